package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

const (
	ReportFile = "report.json"
	exportExt  = ".export"
)

var (
	// ErrRunCompleted is returned for writes to a run whose report exists.
	ErrRunCompleted = errors.New("run artifacts are sealed")
	// ErrNotDirectory is returned when the run path is missing or not a directory.
	ErrNotDirectory = errors.New("run path is not a directory")
)

// Store writes the artifacts of one run into a directory owned by the
// caller. Export files are append-only and the report seals the run: once
// report.json exists nothing in the directory is written again.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open returns a Store for dir, which must already exist.
func Open(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDirectory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// ExportName is the file name of the export of one entity kind.
func ExportName(kind common.EntityKind) string {
	return string(kind.FetchKind()) + "s" + exportExt
}

// Export opens the export file of kind for appending.
func (s *Store) Export(kind common.EntityKind) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, ExportName(kind))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open export %s: %w", path, err)
	}
	return f, nil
}

// DiscardExports removes the export files of an attempt that stopped before
// sealing the run, so a rerun in the same directory starts from empty
// exports. It returns the names of the removed files.
func (s *Store) DiscardExports() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != exportExt {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return removed, fmt.Errorf("discard export %s: %w", e.Name(), err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// WriteReport writes report as report.json and seals the run.
func (s *Store) WriteReport(report any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(s.dir, ReportFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrRunCompleted
		}
		return fmt.Errorf("create report: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	return f.Close()
}

// ReadReport decodes report.json into out.
func (s *Store) ReadReport(out any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, ReportFile))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Completed reports whether the run has been sealed.
func (s *Store) Completed() bool {
	_, err := os.Stat(filepath.Join(s.dir, ReportFile))
	return err == nil
}

// Files lists the regular files of the run directory by name.
func (s *Store) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) checkOpen() error {
	if s.Completed() {
		return ErrRunCompleted
	}
	return nil
}
