package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

// UnresolvedPolicy decides what happens to references whose target entity
// was never fetched.
type UnresolvedPolicy string

const (
	// UnresolvedDrop omits the relationship.
	UnresolvedDrop UnresolvedPolicy = "drop"
	// UnresolvedLiteral keeps it as a "kind:id" literal placeholder.
	UnresolvedLiteral UnresolvedPolicy = "literal"
)

func (p UnresolvedPolicy) Valid() bool {
	return p == UnresolvedDrop || p == UnresolvedLiteral
}

// buildTriples emits the facts of one entity whose IRI is already minted.
// known maps reference targets to the IRIs minted in this run.
func (g *GraphClient) buildTriples(entity *common.CanonicalEntity, known Index) []common.Triple {
	subject := entity.IRI
	triples := make([]common.Triple, 0, 4+len(entity.Properties)+len(entity.References))

	triples = append(triples, common.Triple{
		Subject:   subject,
		Predicate: RDFType,
		Object:    common.IRIObject(g.vocab.Class(entity.Kind)),
	})
	if entity.Name != "" {
		triples = append(triples, common.Triple{
			Subject:   subject,
			Predicate: g.vocab.Name(),
			Object:    common.Literal(entity.Name, XSDStr),
		})
	}
	for _, id := range entity.Identifier {
		triples = append(triples, common.Triple{
			Subject:     subject,
			Predicate:   g.vocab.Identifier(),
			Object:      common.Literal(id, XSDStr),
			MultiValued: true,
		})
	}

	names := make([]string, 0, len(entity.Properties))
	for name := range entity.Properties {
		if name == "name" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		predicate := g.vocab.Property(name)
		switch v := entity.Properties[name].(type) {
		case []any:
			for _, item := range v {
				if obj, ok := literalOf(item); ok {
					triples = append(triples, common.Triple{Subject: subject, Predicate: predicate, Object: obj, MultiValued: true})
				}
			}
		case []string:
			for _, item := range v {
				triples = append(triples, common.Triple{Subject: subject, Predicate: predicate, Object: common.Literal(item, XSDStr), MultiValued: true})
			}
		default:
			if obj, ok := literalOf(v); ok {
				triples = append(triples, common.Triple{Subject: subject, Predicate: predicate, Object: obj})
			}
		}
	}

	for _, ref := range entity.References {
		predicate := g.vocab.Relation(ref.Kind)
		if iri, ok := known[ref.Target()]; ok {
			if iri == subject {
				continue
			}
			triples = append(triples, common.Triple{Subject: subject, Predicate: predicate, Object: common.IRIObject(iri), MultiValued: true})
			continue
		}
		if g.unresolved == UnresolvedLiteral {
			triples = append(triples, common.Triple{
				Subject:     subject,
				Predicate:   predicate,
				Object:      common.Literal(ref.Target().String(), XSDStr),
				MultiValued: true,
			})
		}
	}

	return triples
}

// literalOf converts a decoded JSON value into a typed literal.
func literalOf(v any) (common.Object, bool) {
	switch t := v.(type) {
	case nil:
		return common.Object{}, false
	case string:
		if t == "" {
			return common.Object{}, false
		}
		if _, err := time.Parse(time.RFC3339, t); err == nil {
			return common.Literal(t, XSDDate), true
		}
		return common.Literal(t, XSDStr), true
	case time.Time:
		return common.Literal(t.UTC().Format(time.RFC3339), XSDDate), true
	case bool:
		return common.Literal(strconv.FormatBool(t), XSDBool), true
	case int:
		return common.Literal(strconv.Itoa(t), XSDInt), true
	case int64:
		return common.Literal(strconv.FormatInt(t, 10), XSDInt), true
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return common.Literal(strconv.FormatInt(int64(t), 10), XSDInt), true
		}
		return common.Literal(strconv.FormatFloat(t, 'g', -1, 64), XSDFloat), true
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return common.Literal(t.String(), XSDInt), true
		}
		return common.Literal(t.String(), XSDFloat), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return common.Literal(fmt.Sprintf("%v", t), XSDStr), true
		}
		return common.Literal(string(b), RDFJSON), true
	}
}
