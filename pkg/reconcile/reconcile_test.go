package reconcile

import (
	"errors"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/stretchr/testify/require"
)

func model(id string, fields map[string]any) common.RawRecord {
	f := map[string]any{"id": id}
	for k, v := range fields {
		f[k] = v
	}
	return common.NewRawRecord(common.KindModel, id, f)
}

func identifiers(entities []common.CanonicalEntity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.PrimaryIdentifier())
	}
	return out
}

func TestReconcile_LaterStreamWinsAndListsUnion(t *testing.T) {
	latest := []common.RawRecord{
		model("org/a", map[string]any{"description": "first", "keywords": []any{"nlp", "bert"}}),
	}
	explicit := []common.RawRecord{
		model("org/a", map[string]any{"description": "second", "keywords": []any{"bert", "qa"}}),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{latest, explicit})
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.Merged)
	require.Len(t, res.Entities, 1)

	e := res.Entities[0]
	require.Equal(t, common.KindModel, e.Kind)
	require.Equal(t, "second", e.Properties["description"])
	require.Equal(t, []any{"nlp", "bert", "qa"}, e.Properties["keywords"])
	require.Equal(t, []string{"org/a", "https://huggingface.co/org/a"}, e.Identifier)
	require.NotContains(t, e.Properties, "id")
}

func TestReconcile_StreamOrderDecidesScalarsAndOutputOrder(t *testing.T) {
	a := []common.RawRecord{
		model("org/x", map[string]any{"pipeline_tag": "from-a"}),
		model("org/shared", map[string]any{"pipeline_tag": "from-a"}),
	}
	b := []common.RawRecord{
		model("org/shared", map[string]any{"pipeline_tag": "from-b"}),
		model("org/y", map[string]any{"pipeline_tag": "from-b"}),
	}
	r := NewReconciler(NewReconcilerParams{})

	ab := r.Reconcile([][]common.RawRecord{a, b})
	require.Equal(t, []string{"org/x", "org/shared", "org/y"}, identifiers(ab.Entities))
	require.Equal(t, "from-b", ab.Entities[1].Properties["pipeline_tag"])

	ba := r.Reconcile([][]common.RawRecord{b, a})
	require.Equal(t, []string{"org/shared", "org/y", "org/x"}, identifiers(ba.Entities))
	require.Equal(t, "from-a", ba.Entities[0].Properties["pipeline_tag"])
}

func TestReconcile_EquivalentIdentifiersMerge(t *testing.T) {
	papers := []common.RawRecord{
		common.NewRawRecord(common.KindPaper, "2106.09685", map[string]any{"id": "2106.09685", "title": "LoRA"}),
		common.NewRawRecord(common.KindPaper, "arXiv:2106.09685v2", map[string]any{"id": "https://arxiv.org/abs/2106.09685v2", "authors": []any{"Hu"}}),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{papers})
	require.Len(t, res.Entities, 1)
	require.Equal(t, "LoRA", res.Entities[0].Name)
	require.Equal(t, []string{"2106.09685", "https://arxiv.org/abs/2106.09685"}, res.Entities[0].Identifier)
	require.Equal(t, []any{"Hu"}, res.Entities[0].Properties["authors"])
}

func TestReconcile_NameSlugFallback(t *testing.T) {
	recs := []common.RawRecord{
		common.NewRawRecord(common.KindDataset, "", map[string]any{"name": "My Great Dataset!"}),
		common.NewRawRecord(common.KindDataset, "", map[string]any{"name": "my great  dataset"}),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{recs})
	require.Empty(t, res.Errors)
	require.Len(t, res.Entities, 1)
	require.Equal(t, "my-great-dataset", res.Entities[0].PrimaryIdentifier())
	require.Equal(t, "my great  dataset", res.Entities[0].Name)
}

func TestReconcile_MissingMergeKeyIsAnError(t *testing.T) {
	recs := []common.RawRecord{
		common.NewRawRecord(common.KindModel, "", map[string]any{"downloads": 10}),
		model("org/a", nil),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{recs})
	require.Len(t, res.Entities, 1)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], ErrNoMergeKey)
}

func TestReconcile_ValidationFailureDropsEntity(t *testing.T) {
	recs := []common.RawRecord{
		common.NewRawRecord(common.KindBaseModel, "org/base", map[string]any{"id": "org/base"}),
		common.NewRawRecord(common.EntityKind("space"), "org/space", map[string]any{"name": "demo"}),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{recs})
	require.Len(t, res.Entities, 1)
	require.Equal(t, common.KindModel, res.Entities[0].Kind)

	require.NotEmpty(t, res.Errors)
	var verr *ValidationError
	found := false
	for _, err := range res.Errors {
		if errors.As(err, &verr) {
			found = true
		}
	}
	require.True(t, found)
}

func TestReconcile_CustomHubURL(t *testing.T) {
	recs := []common.RawRecord{
		common.NewRawRecord(common.KindDataset, "squad", map[string]any{"id": "squad"}),
	}
	res := NewReconciler(NewReconcilerParams{HubURL: "https://hub.example.org/"}).Reconcile([][]common.RawRecord{recs})
	require.Equal(t, []string{"squad", "https://hub.example.org/datasets/squad"}, res.Entities[0].Identifier)
}

func TestReconcile_ForeignURIEntity(t *testing.T) {
	recs := []common.RawRecord{
		model("https://example.org/models/foo", map[string]any{"license": "mit"}),
		model("https://example.org/models/foo", map[string]any{"downloads": 3}),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{recs})
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.Merged)
	require.Len(t, res.Entities, 1)
	require.Equal(t, []string{"https://example.org/models/foo"}, res.Entities[0].Identifier)
	require.Equal(t, "mit", res.Entities[0].Properties["license"])
}

func TestReconcile_CaseVariantsMergeAndKeepDisplayCase(t *testing.T) {
	recs := []common.RawRecord{
		model("Org/Model", map[string]any{"downloads": 1}),
		model("org/model", map[string]any{"likes": 2}),
	}

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{recs})
	require.Len(t, res.Entities, 1)
	e := res.Entities[0]
	require.Equal(t, "org/model", e.PrimaryIdentifier())
	require.Equal(t, "org/model", e.Name)

	res = NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{recs[:1]})
	require.Equal(t, "Org/Model", res.Entities[0].Name)
}

func TestReconcile_RequestedIDBecomesAlias(t *testing.T) {
	renamed := common.NewRawRecord(common.KindModel, "google-bert/bert-base-uncased", map[string]any{
		"id":                    "google-bert/bert-base-uncased",
		common.RequestedIDField: "bert-base-uncased",
	})

	res := NewReconciler(NewReconcilerParams{}).Reconcile([][]common.RawRecord{{renamed}})
	require.Len(t, res.Entities, 1)
	e := res.Entities[0]
	require.Equal(t, []string{
		"google-bert/bert-base-uncased",
		"https://huggingface.co/google-bert/bert-base-uncased",
		"bert-base-uncased",
	}, e.Identifier)
	require.NotContains(t, e.Properties, common.RequestedIDField)
}

func TestReconcile_Empty(t *testing.T) {
	res := NewReconciler(NewReconcilerParams{}).Reconcile(nil)
	require.Empty(t, res.Entities)
	require.Empty(t, res.Errors)
}

func TestMergeKey(t *testing.T) {
	tests := []struct {
		name   string
		rec    common.RawRecord
		want   string
		wantOK bool
	}{
		{"id field", model("org/a", nil), "org/a", true},
		{"modelId field", common.NewRawRecord(common.KindModel, "", map[string]any{"modelId": "org/b"}), "org/b", true},
		{"source id", common.NewRawRecord(common.KindModel, "org/c", nil), "org/c", true},
		{"malformed id falls back to name", common.NewRawRecord(common.KindModel, "", map[string]any{"id": "has space", "name": "Cool Model"}), "cool-model", true},
		{"title fallback", common.NewRawRecord(common.KindPaper, "", map[string]any{"title": "Attention Is All You Need"}), "attention-is-all-you-need", true},
		{"dataset lowercased", common.NewRawRecord(common.KindDataset, "Org/Data", nil), "org/data", true},
		{"model lowercased", model("Google-BERT/BERT-Base-Uncased", nil), "google-bert/bert-base-uncased", true},
		{"foreign uri kept verbatim", model("https://example.org/models/Foo", nil), "https://example.org/models/Foo", true},
		{"hub uri normalized", model("https://huggingface.co/Org/A", nil), "org/a", true},
		{"nothing usable", common.NewRawRecord(common.KindModel, "", map[string]any{"name": "!!!"}), "", false},
		{"overlong id", common.NewRawRecord(common.KindModel, strings.Repeat("a", maxKeyLength+1), nil), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MergeKey(tt.rec)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSlug(t *testing.T) {
	require.Equal(t, "a-b-c", Slug("  A   b__c "))
	require.Equal(t, "über-model-2", Slug("Über Model 2"))
	require.Equal(t, "", Slug("---"))
	require.Len(t, Slug(strings.Repeat("x", 400)), maxKeyLength)
}
