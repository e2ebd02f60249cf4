package store

import (
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// DedupeTriples drops triples whose upsert key repeats within one batch. The
// last triple for a key wins, at the position of its first appearance.
func DedupeTriples(in []common.Triple) []common.Triple {
	if len(in) == 0 {
		return nil
	}
	index := make(map[string]int, len(in))
	out := make([]common.Triple, 0, len(in))
	for _, t := range in {
		k := t.Key()
		if i, ok := index[k]; ok {
			out[i] = t
			continue
		}
		index[k] = len(out)
		out = append(out, t)
	}
	return out
}
