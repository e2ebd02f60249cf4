package reconcile

import (
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/identity"
	"github.com/OFFIS-RIT/modelgraph/pkg/reference"
)

const maxKeyLength = 256

var (
	primaryFields  = []string{"id", "modelId"}
	fallbackFields = []string{"name", "title"}
	identityFields = map[string]bool{"id": true, "modelId": true, "_id": true, common.RequestedIDField: true}
)

// MergeKey returns the identity two records must share to be reconciled
// into one entity: the normalized primary identifier when it is well-formed,
// else a lower-cased slug of the record's name. Absolute URIs the platform
// normalization does not know are kept verbatim.
func MergeKey(rec common.RawRecord) (string, bool) {
	kind := rec.Kind()
	for _, f := range primaryFields {
		if s, ok := rec.String(f); ok {
			if key, ok := primaryKey(kind, s); ok {
				return key, true
			}
		}
	}
	if key, ok := primaryKey(kind, rec.SourceID()); ok {
		return key, true
	}
	for _, f := range fallbackFields {
		if s, ok := rec.String(f); ok {
			if slug := Slug(s); slug != "" {
				return slug, true
			}
		}
	}
	return "", false
}

func primaryKey(kind common.EntityKind, s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxKeyLength {
		return "", false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", false
		}
	}
	if key, ok := reference.Normalize(kind, s); ok {
		return key, true
	}
	if identity.IsAbsoluteURI(s) {
		return s, true
	}
	return "", false
}

// aliases returns the further identifiers rec is known under, normalized
// like merge keys and excluding key itself.
func aliases(rec common.RawRecord, key string) []string {
	kind := rec.Kind()
	var out []string
	for _, raw := range []string{rec.SourceID(), requestedID(rec)} {
		if alias, ok := primaryKey(kind, raw); ok && alias != key {
			out = append(out, alias)
		}
	}
	return out
}

func requestedID(rec common.RawRecord) string {
	s, _ := rec.String(common.RequestedIDField)
	return s
}

// Slug lower-cases s and joins its alphanumeric runs with dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	out := b.String()
	if len(out) > maxKeyLength {
		out = out[:maxKeyLength]
	}
	return out
}
