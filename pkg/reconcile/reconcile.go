package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/internal/metrics"
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/identity"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"

	"github.com/go-playground/validator"
)

// ErrNoMergeKey marks records that carry neither a usable identifier nor a name.
var ErrNoMergeKey = errors.New("record has no merge key")

// ValidationError is raised when a reconciled entity does not conform to the
// canonical schema. The entity is dropped from the canonical set.
type ValidationError struct {
	Key string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity %q failed validation: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Reconciler merges records from independent extraction streams into one
// de-duplicated list of canonical entities.
type Reconciler struct {
	validate *validator.Validate
	hubURL   string
}

// NewReconcilerParams configures a Reconciler. HubURL is the public base URL
// used to build alias identifiers for Hub entities.
type NewReconcilerParams struct {
	HubURL string
}

func NewReconciler(params NewReconcilerParams) *Reconciler {
	hubURL := strings.TrimSuffix(params.HubURL, "/")
	if hubURL == "" {
		hubURL = "https://huggingface.co"
	}
	return &Reconciler{
		validate: validator.New(),
		hubURL:   hubURL,
	}
}

// Result is the output of one reconciliation.
type Result struct {
	Entities []common.CanonicalEntity
	Errors   []error
	Merged   int
}

type group struct {
	kind    common.EntityKind
	key     string
	fields  map[string]any
	aliases []string
	records int
}

func (g *group) addAlias(alias string) {
	for _, a := range g.aliases {
		if a == alias {
			return
		}
	}
	g.aliases = append(g.aliases, alias)
}

// Reconcile concatenates streams in order, groups records by merge key and
// folds each group in arrival order: scalar fields from the last record win,
// list fields are unioned keeping first-seen order. Output follows the first
// appearance of each key.
func (r *Reconciler) Reconcile(streams [][]common.RawRecord) *Result {
	res := &Result{}
	groups := make(map[string]*group)
	order := make([]*group, 0)

	for _, stream := range streams {
		for _, rec := range stream {
			kind := rec.Kind().FetchKind()
			key, ok := MergeKey(rec)
			if !ok {
				res.Errors = append(res.Errors, fmt.Errorf("%w: %s %q", ErrNoMergeKey, kind, rec.SourceID()))
				metrics.ReconcileDropped.WithLabelValues(string(kind), "merge_key").Inc()
				continue
			}

			gk := string(kind) + "|" + key
			g, exists := groups[gk]
			if !exists {
				g = &group{kind: kind, key: key, fields: make(map[string]any)}
				groups[gk] = g
				order = append(order, g)
			} else {
				res.Merged++
			}
			g.records++
			for _, alias := range aliases(rec, key) {
				g.addAlias(alias)
			}
			fold(g.fields, rec)
		}
	}

	res.Entities = make([]common.CanonicalEntity, 0, len(order))
	for _, g := range order {
		entity := r.canonical(g)
		if err := r.validate.Struct(&entity); err != nil {
			res.Errors = append(res.Errors, &ValidationError{Key: g.key, Err: err})
			metrics.ReconcileDropped.WithLabelValues(string(g.kind), "validation").Inc()
			continue
		}
		res.Entities = append(res.Entities, entity)
	}

	if len(res.Errors) > 0 {
		logger.Warn("[Reconcile] Dropped records", "errors", len(res.Errors), "entities", len(res.Entities))
	}
	logger.Debug("[Reconcile] Reconciled", "entities", len(res.Entities), "merged", res.Merged)

	return res
}

func fold(dst map[string]any, rec common.RawRecord) {
	for _, name := range rec.FieldNames() {
		v, ok := rec.Field(name)
		if !ok {
			continue
		}
		incoming, isList := asList(v)
		if !isList {
			dst[name] = v
			continue
		}
		existing, _ := asList(dst[name])
		dst[name] = union(existing, incoming)
	}
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func union(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, item := range list {
			k := itemKey(item)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func itemKey(v any) string {
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("v:%#v", v)
	}
	return "j:" + string(b)
}

func (r *Reconciler) canonical(g *group) common.CanonicalEntity {
	props := make(map[string]any, len(g.fields))
	for k, v := range g.fields {
		if identityFields[k] {
			continue
		}
		props[k] = v
	}

	name := displayID(g)
	for _, f := range fallbackFields {
		if s, ok := g.fields[f].(string); ok && strings.TrimSpace(s) != "" {
			name = strings.TrimSpace(s)
			break
		}
	}

	ids := []string{g.key}
	if alias := r.alias(g.kind, g.key); alias != "" {
		ids = append(ids, alias)
	}
	ids = append(ids, g.aliases...)

	return common.CanonicalEntity{
		Kind:       g.kind,
		Identifier: ids,
		Name:       name,
		Properties: props,
	}
}

// displayID is the primary identifier as the source spelled it, falling
// back to the merge key.
func displayID(g *group) string {
	for _, f := range primaryFields {
		s, ok := g.fields[f].(string)
		if !ok {
			continue
		}
		if key, ok := primaryKey(g.kind, s); ok && key == g.key {
			return strings.TrimSpace(s)
		}
	}
	return g.key
}

func (r *Reconciler) alias(kind common.EntityKind, key string) string {
	if identity.IsAbsoluteURI(key) {
		return ""
	}
	switch kind {
	case common.KindModel:
		return r.hubURL + "/" + key
	case common.KindDataset:
		return r.hubURL + "/datasets/" + key
	case common.KindPaper:
		return "https://arxiv.org/abs/" + key
	}
	return ""
}
