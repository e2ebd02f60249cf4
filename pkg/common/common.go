package common

import (
	"fmt"
	"maps"
	"time"
)

// EntityKind names the kind of an entity harvested from a catalog.
type EntityKind string

const (
	KindModel     EntityKind = "model"
	KindDataset   EntityKind = "dataset"
	KindPaper     EntityKind = "paper"
	KindBaseModel EntityKind = "base_model"
	KindLicense   EntityKind = "license"
	KindKeyword   EntityKind = "keyword"
)

// Kinds lists every entity kind in materialization order.
var Kinds = []EntityKind{KindModel, KindDataset, KindPaper, KindLicense, KindKeyword}

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindModel, KindDataset, KindPaper, KindBaseModel, KindLicense, KindKeyword:
		return true
	}
	return false
}

// FetchKind returns the kind under which entities of kind k are fetched and
// stored. A base model is a model seen through a reference, so both share
// one identity.
func (k EntityKind) FetchKind() EntityKind {
	if k == KindBaseModel {
		return KindModel
	}
	return k
}

// EntityID identifies one entity instance on a source platform.
type EntityID struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// NewEntityID builds an EntityID using the fetch identity of kind.
func NewEntityID(kind EntityKind, id string) EntityID {
	return EntityID{Kind: kind.FetchKind(), ID: id}
}

func (e EntityID) String() string {
	return string(e.Kind) + ":" + e.ID
}

// RawRecord is the metadata a source returned for one entity. The field map
// is opaque and copied on construction; callers read it through the accessor
// methods, which report absent fields explicitly.
type RawRecord struct {
	kind     EntityKind
	sourceID string
	fields   map[string]any
}

// NewRawRecord creates a record owning a shallow copy of fields.
func NewRawRecord(kind EntityKind, sourceID string, fields map[string]any) RawRecord {
	return RawRecord{
		kind:     kind,
		sourceID: sourceID,
		fields:   maps.Clone(fields),
	}
}

// RequestedIDField holds the id a record was fetched under when the source
// answered with a different one, e.g. for a renamed repository.
const RequestedIDField = "_requested_id"

func (r RawRecord) Kind() EntityKind { return r.kind }

func (r RawRecord) SourceID() string { return r.sourceID }

// EntityID returns the fetch identity of the record.
func (r RawRecord) EntityID() EntityID {
	return NewEntityID(r.kind, r.sourceID)
}

// IsZero reports whether r was never populated.
func (r RawRecord) IsZero() bool {
	return r.kind == "" && r.sourceID == "" && r.fields == nil
}

// Fields returns a copy of the field map.
func (r RawRecord) Fields() map[string]any {
	return maps.Clone(r.fields)
}

// FieldNames returns the names of all present fields.
func (r RawRecord) FieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	return names
}

// Field returns the raw value of a field and whether it is present.
func (r RawRecord) Field(name string) (any, bool) {
	v, ok := r.fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns a string field. Non-string values count as absent.
func (r RawRecord) String(name string) (string, bool) {
	v, ok := r.Field(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns a list-of-strings field. A single string is returned as a
// one-element list; non-string elements are skipped.
func (r RawRecord) Strings(name string) ([]string, bool) {
	v, ok := r.Field(name)
	if !ok {
		return nil, false
	}
	return AsStrings(v)
}

// Map returns a nested object field.
func (r RawRecord) Map(name string) (map[string]any, bool) {
	v, ok := r.Field(name)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// AsStrings converts a decoded JSON value into a list of strings.
func AsStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

// EntityReference is a typed pointer from one entity to another, produced by
// the reference identifier.
type EntityReference struct {
	Kind           EntityKind `json:"kind"`
	NormalizedID   string     `json:"normalized_id"`
	Confidence     float64    `json:"confidence"`
	OriginEntityID string     `json:"origin_entity_id"`
}

// Target returns the fetch identity of the referenced entity.
func (r EntityReference) Target() EntityID {
	return NewEntityID(r.Kind, r.NormalizedID)
}

// CanonicalEntity is the reconciled, validated representation of one entity.
//
// Identifier holds every known identifier with the primary one first.
// Properties holds scalar and list values; list values are []string or []any.
// IRI is empty until the materializer mints it.
type CanonicalEntity struct {
	Kind       EntityKind        `json:"kind" validate:"required,oneof=model dataset paper license keyword"`
	Identifier []string          `json:"identifier" validate:"required,min=1,dive,required"`
	Name       string            `json:"name"`
	Properties map[string]any    `json:"properties,omitempty"`
	References []EntityReference `json:"references,omitempty"`
	IRI        string            `json:"iri,omitempty"`
}

// PrimaryIdentifier returns the first identifier or an empty string.
func (e *CanonicalEntity) PrimaryIdentifier() string {
	if len(e.Identifier) == 0 {
		return ""
	}
	return e.Identifier[0]
}

// EntityID returns the fetch identity of the entity.
func (e *CanonicalEntity) EntityID() EntityID {
	return NewEntityID(e.Kind, e.PrimaryIdentifier())
}

// Field exposes properties with the same contract as RawRecord.Field so that
// both can be scanned for references.
func (e *CanonicalEntity) Field(name string) (any, bool) {
	v, ok := e.Properties[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (e *CanonicalEntity) SourceID() string { return e.PrimaryIdentifier() }

func (e *CanonicalEntity) RecordKind() EntityKind { return e.Kind }

func (r RawRecord) RecordKind() EntityKind { return r.kind }

// Object is the object position of a triple: either an IRI or a literal.
type Object struct {
	IRI      string `json:"iri,omitempty"`
	Value    string `json:"value,omitempty"`
	Datatype string `json:"datatype,omitempty"`
}

// IRIObject returns an object pointing at another subject.
func IRIObject(iri string) Object {
	return Object{IRI: iri}
}

// Literal returns a literal object.
func Literal(value, datatype string) Object {
	return Object{Value: value, Datatype: datatype}
}

func (o Object) IsIRI() bool { return o.IRI != "" }

func (o Object) String() string {
	if o.IsIRI() {
		return "<" + o.IRI + ">"
	}
	return fmt.Sprintf("%q^^<%s>", o.Value, o.Datatype)
}

// Triple is one subject-predicate-object fact. MultiValued marks predicates
// that may hold several objects for the same subject.
type Triple struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Object      Object `json:"object"`
	MultiValued bool   `json:"multi_valued"`
}

// Key returns the upsert key of the triple. Single-valued predicates are
// keyed by subject and predicate, multi-valued ones by the full triple.
func (t Triple) Key() string {
	if !t.MultiValued {
		return t.Subject + "\x00" + t.Predicate
	}
	return t.Subject + "\x00" + t.Predicate + "\x00" + t.Object.String()
}

// GraphWriteReport summarizes one materialization run.
type GraphWriteReport struct {
	EntitiesProcessed int           `json:"entities_processed"`
	TriplesWritten    int           `json:"triples_written"`
	Errors            int           `json:"errors"`
	FailedTriples     int           `json:"failed_triples"`
	Duration          time.Duration `json:"duration"`
	Failures          []string      `json:"failures,omitempty"`
}

// Add folds other into r.
func (r *GraphWriteReport) Add(other *GraphWriteReport) {
	if other == nil {
		return
	}
	r.EntitiesProcessed += other.EntitiesProcessed
	r.TriplesWritten += other.TriplesWritten
	r.Errors += other.Errors
	r.FailedTriples += other.FailedTriples
	r.Duration += other.Duration
	r.Failures = append(r.Failures, other.Failures...)
}
