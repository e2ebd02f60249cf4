package reference

import (
	"regexp"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

const (
	ConfidenceExact    = 1.0
	ConfidenceFreeText = 0.6
)

// Record is anything the identifier can scan: raw source records as well as
// canonical entities.
type Record interface {
	RecordKind() common.EntityKind
	SourceID() string
	Field(name string) (any, bool)
}

// Stats counts what the identifier skipped while scanning one record.
type Stats struct {
	ParseErrors int
}

var (
	reFreeTextArxiv = regexp.MustCompile(`(?i)(?:arxiv:\s*|arxiv\.org/(?:abs|pdf|html)/|huggingface\.co/papers/)(\d{4}\.\d{4,5}(?:v\d+)?)`)

	// tag namespaces that carry no reference and must not become keywords
	ignoredTagPrefixes = []string{
		"region:", "endpoints_compatible", "autotrain_compatible", "deploy:",
		"has_space", "text-generation-inference", "doi:", "size_categories:",
		"modality:", "format:", "library:", "diffusers:",
	}

	exactFields = []struct {
		field string
		kind  common.EntityKind
	}{
		{"base_model", common.KindBaseModel},
		{"datasets", common.KindDataset},
		{"license", common.KindLicense},
		{"arxiv", common.KindPaper},
		{"papers", common.KindPaper},
		{"keywords", common.KindKeyword},
	}

	freeTextFields = []string{"description", "summary", "model_description", "readme"}
)

// Identify extracts the set of references a record points at. It never
// fails; malformed fields are skipped.
func Identify(record Record) []common.EntityReference {
	refs, _ := IdentifyWithStats(record)
	return refs
}

// IdentifyWithStats is Identify and additionally reports how many malformed
// values were skipped.
func IdentifyWithStats(record Record) ([]common.EntityReference, Stats) {
	var stats Stats
	if record == nil {
		return nil, stats
	}

	origin := record.SourceID()
	acc := newAccumulator(record.RecordKind(), origin)

	for _, ef := range exactFields {
		acc.addField(record, ef.field, ef.kind, &stats)
	}

	if card, ok := fieldMap(record, "cardData"); ok {
		for _, ef := range exactFields {
			if v, ok := card[ef.field]; ok && v != nil {
				acc.addValue(v, ef.kind, ConfidenceExact, &stats)
			}
		}
		for _, f := range freeTextFields {
			if s, ok := card[f].(string); ok {
				acc.addFreeText(s)
			}
		}
	}

	if v, ok := record.Field("tags"); ok {
		tags, ok := common.AsStrings(v)
		if !ok {
			stats.ParseErrors++
		}
		for _, tag := range tags {
			acc.addTag(tag, &stats)
		}
	}

	for _, f := range freeTextFields {
		if v, ok := record.Field(f); ok {
			s, ok := v.(string)
			if !ok {
				stats.ParseErrors++
				continue
			}
			acc.addFreeText(s)
		}
	}

	return acc.result(), stats
}

func fieldMap(record Record, name string) (map[string]any, bool) {
	v, ok := record.Field(name)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

type refKey struct {
	kind common.EntityKind
	id   string
}

type accumulator struct {
	originKind common.EntityKind
	origin     string
	self       string
	order      []refKey
	refs       map[refKey]*common.EntityReference
}

func newAccumulator(originKind common.EntityKind, origin string) *accumulator {
	self := origin
	if id, ok := Normalize(originKind.FetchKind(), origin); ok {
		self = id
	}
	return &accumulator{
		originKind: originKind,
		origin:     origin,
		self:       self,
		refs:       make(map[refKey]*common.EntityReference),
	}
}

func (a *accumulator) add(kind common.EntityKind, raw string, confidence float64) bool {
	id, ok := Normalize(kind, raw)
	if !ok {
		return false
	}
	if kind.FetchKind() == a.originKind.FetchKind() && id == a.self {
		return true
	}

	key := refKey{kind: kind, id: id}
	if existing, ok := a.refs[key]; ok {
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		return true
	}
	a.order = append(a.order, key)
	a.refs[key] = &common.EntityReference{
		Kind:           kind,
		NormalizedID:   id,
		Confidence:     confidence,
		OriginEntityID: a.origin,
	}
	return true
}

func (a *accumulator) addField(record Record, field string, kind common.EntityKind, stats *Stats) {
	v, ok := record.Field(field)
	if !ok {
		return
	}
	a.addValue(v, kind, ConfidenceExact, stats)
}

func (a *accumulator) addValue(v any, kind common.EntityKind, confidence float64, stats *Stats) {
	values, ok := common.AsStrings(v)
	if !ok {
		stats.ParseErrors++
		return
	}
	for _, s := range values {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if !a.add(kind, s, confidence) {
			stats.ParseErrors++
		}
	}
}

func (a *accumulator) addTag(tag string, stats *Stats) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	lower := strings.ToLower(tag)
	for _, prefix := range ignoredTagPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return
		}
	}

	name, value, namespaced := strings.Cut(tag, ":")
	if !namespaced {
		a.add(common.KindKeyword, tag, ConfidenceExact)
		return
	}

	var ok bool
	switch strings.ToLower(name) {
	case "base_model":
		// base_model:finetune:org/name carries the relation in the middle
		if rel, id, found := strings.Cut(value, ":"); found && !strings.Contains(rel, "/") {
			value = id
		}
		ok = a.add(common.KindBaseModel, value, ConfidenceExact)
	case "dataset":
		ok = a.add(common.KindDataset, value, ConfidenceExact)
	case "arxiv":
		ok = a.add(common.KindPaper, value, ConfidenceExact)
	case "license":
		ok = a.add(common.KindLicense, value, ConfidenceExact)
	default:
		return
	}
	if !ok {
		stats.ParseErrors++
	}
}

func (a *accumulator) addFreeText(text string) {
	for _, m := range reFreeTextArxiv.FindAllStringSubmatch(text, -1) {
		a.add(common.KindPaper, m[1], ConfidenceFreeText)
	}
}

func (a *accumulator) result() []common.EntityReference {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]common.EntityReference, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, *a.refs[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return kindRank(out[i].Kind) < kindRank(out[j].Kind)
	})
	return out
}

func kindRank(k common.EntityKind) int {
	switch k {
	case common.KindBaseModel:
		return 0
	case common.KindDataset:
		return 1
	case common.KindPaper:
		return 2
	case common.KindLicense:
		return 3
	default:
		return 4
	}
}
