// Package static serves raw records from a fixture file. It backs offline
// runs and tests with a catalog shaped like Hub responses.
package static

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"
)

// File is the on-disk catalog layout. JSON files parse as well since JSON
// is valid YAML.
//
//	models:
//	  - id: acme/llm-7b
//	    tags: [base_model:acme/base]
//	datasets:
//	  - id: squad
type File struct {
	Models   []map[string]any `yaml:"models"`
	Datasets []map[string]any `yaml:"datasets"`
	Papers   []map[string]any `yaml:"papers"`
	Licenses []map[string]any `yaml:"licenses"`
	Keywords []map[string]any `yaml:"keywords"`
}

// Catalog is an in-memory source.Client. Licenses and keywords missing from
// the file are synthesized like the Hub client does.
type Catalog struct {
	mu      sync.Mutex
	records map[common.EntityID]common.RawRecord
	models  []common.EntityID
	calls   map[common.EntityID]int
}

func NewCatalog() *Catalog {
	return &Catalog{
		records: make(map[common.EntityID]common.RawRecord),
		calls:   make(map[common.EntityID]int),
	}
}

// Load reads a catalog from path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a catalog from r.
func Decode(r io.Reader) (*Catalog, error) {
	var file File
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := NewCatalog()
	sections := []struct {
		kind    common.EntityKind
		entries []map[string]any
	}{
		{common.KindModel, file.Models},
		{common.KindDataset, file.Datasets},
		{common.KindPaper, file.Papers},
		{common.KindLicense, file.Licenses},
		{common.KindKeyword, file.Keywords},
	}
	for _, s := range sections {
		for i, fields := range s.entries {
			id, _ := fields["id"].(string)
			if id == "" {
				return nil, fmt.Errorf("%s entry %d has no id", s.kind, i)
			}
			c.Add(common.NewRawRecord(s.kind, id, fields))
		}
	}
	return c, nil
}

// Add registers a record under its fetch identity, replacing any previous one.
func (c *Catalog) Add(rec common.RawRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := rec.EntityID()
	if _, exists := c.records[id]; !exists && id.Kind == common.KindModel {
		c.models = append(c.models, id)
	}
	c.records[id] = rec
}

func (c *Catalog) lookup(id common.EntityID) (common.RawRecord, bool) {
	if rec, ok := c.records[id]; ok {
		return rec, true
	}
	// Repo ids are case-insensitive on the Hub.
	for key, rec := range c.records {
		if key.Kind == id.Kind && strings.EqualFold(key.ID, id.ID) {
			return rec, true
		}
	}
	return common.RawRecord{}, false
}

func (c *Catalog) Fetch(ctx context.Context, kind common.EntityKind, id string) (common.RawRecord, error) {
	eid := common.NewEntityID(kind, id)
	if err := ctx.Err(); err != nil {
		return common.RawRecord{}, source.Transient(eid, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[eid]++

	if rec, ok := c.lookup(eid); ok {
		return rec, nil
	}
	switch eid.Kind {
	case common.KindLicense, common.KindKeyword:
		return common.NewRawRecord(eid.Kind, id, map[string]any{"id": id, "name": id}), nil
	}
	return common.RawRecord{}, source.Permanent(eid, source.ErrNotFound)
}

// Calls reports how often id was fetched.
func (c *Catalog) Calls(kind common.EntityKind, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[common.NewEntityID(kind, id)]
}

// Latest returns an extractor over the first n models in catalog order.
func (c *Catalog) Latest(n int) source.Extractor {
	return &latest{catalog: c, limit: n}
}

type latest struct {
	catalog *Catalog
	limit   int
}

func (l *latest) Name() string { return "latest_models" }

func (l *latest) Extract(ctx context.Context) ([]common.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.catalog.mu.Lock()
	defer l.catalog.mu.Unlock()

	n := l.limit
	if n <= 0 || n > len(l.catalog.models) {
		n = len(l.catalog.models)
	}
	out := make([]common.RawRecord, 0, n)
	for _, id := range l.catalog.models[:n] {
		out = append(out, l.catalog.records[id])
	}
	return out, nil
}

var _ source.Client = (*Catalog)(nil)
