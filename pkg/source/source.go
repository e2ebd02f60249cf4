package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
)

// Client fetches one raw record from a source platform. Implementations
// apply their own retry policy and report failures as *FetchError.
type Client interface {
	Fetch(ctx context.Context, kind common.EntityKind, id string) (common.RawRecord, error)
}

// Extractor yields one stream of raw records, e.g. the latest N models of a
// catalog or an explicit list of ids.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) ([]common.RawRecord, error)
}

// ErrNotFound is wrapped by permanent failures for ids the source does not know.
var ErrNotFound = errors.New("entity not found")

// ErrUnreachable is wrapped by transient failures where the platform itself
// could not be reached.
var ErrUnreachable = errors.New("source unreachable")

// FetchError is the failure of a single fetch. Transient errors may succeed
// if retried later; permanent ones never will.
type FetchError struct {
	ID        common.EntityID
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.ID, class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent fetch failure.
func Permanent(id common.EntityID, err error) error {
	return &FetchError{ID: id, Err: err}
}

// Transient wraps err as a transient fetch failure.
func Transient(id common.EntityID, err error) error {
	return &FetchError{ID: id, Transient: true, Err: err}
}

// IsTransient reports whether err is a retryable fetch failure. Errors that
// are not a *FetchError are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return true
}

// IsPermanent reports whether err is a fetch failure that must not be retried.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// Deferrer is implemented by extractors that hand ids they could not fetch
// yet to the resolver instead of failing the stream.
type Deferrer interface {
	Deferred() []common.EntityID
}

// ExplicitList extracts a fixed list of ids through a client. Ids that fail
// permanently are skipped. A transient failure on the first id aborts the
// extraction since the source is likely down; later transient failures are
// deferred and reported through Deferred.
type ExplicitList struct {
	Kind   common.EntityKind
	IDs    []string
	Client Client

	deferred []common.EntityID
}

func (e *ExplicitList) Name() string { return "explicit_list" }

// Deferred returns the ids of the last Extract that failed transiently.
func (e *ExplicitList) Deferred() []common.EntityID { return e.deferred }

func (e *ExplicitList) Extract(ctx context.Context) ([]common.RawRecord, error) {
	e.deferred = nil
	records := make([]common.RawRecord, 0, len(e.IDs))
	for i, id := range e.IDs {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		rec, err := e.Client.Fetch(ctx, e.Kind, id)
		if err == nil {
			records = append(records, rec)
			continue
		}
		switch {
		case IsPermanent(err):
			logger.Warn("[Source] Skipping unknown id in explicit list", "kind", e.Kind, "id", id, "err", err)
		case i == 0:
			return records, fmt.Errorf("explicit list fetch %s: %w", id, err)
		case ctx.Err() != nil:
			return records, ctx.Err()
		default:
			logger.Warn("[Source] Deferring id in explicit list", "kind", e.Kind, "id", id, "err", err)
			e.deferred = append(e.deferred, common.NewEntityID(e.Kind, id))
		}
	}
	return records, nil
}
