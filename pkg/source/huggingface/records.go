package huggingface

import (
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

// droppedFields are bulky listing fields that carry no metadata worth
// keeping in the graph.
var droppedFields = map[string]struct{}{
	"siblings":         {},
	"spaces":           {},
	"widgetData":       {},
	"transformersInfo": {},
}

func toRecord(kind common.EntityKind, requested string, fields map[string]any) common.RawRecord {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, drop := droppedFields[k]; drop {
			continue
		}
		out[k] = v
	}

	sourceID := requested
	for _, key := range []string{"id", "modelId"} {
		if s, ok := out[key].(string); ok && s != "" {
			sourceID = s
			break
		}
	}
	// Renamed repos redirect to their new id; references may still use the old one.
	if requested != "" && !strings.EqualFold(sourceID, requested) {
		out[common.RequestedIDField] = requested
	}

	if kind == common.KindPaper {
		if names := authorNames(out["authors"]); len(names) > 0 {
			out["authors"] = names
		}
	}

	return common.NewRawRecord(kind, sourceID, out)
}

// authorNames flattens the papers endpoint's author objects to names.
func authorNames(v any) []any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	names := make([]any, 0, len(list))
	for _, item := range list {
		switch a := item.(type) {
		case string:
			names = append(names, a)
		case map[string]any:
			if name, ok := a["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func synthesize(kind common.EntityKind, id string) common.RawRecord {
	return common.NewRawRecord(kind, id, map[string]any{
		"id":   id,
		"name": id,
	})
}
