package qwen

import (
	"iter"

	"ollm/internal/api"
)

// Deltas turns a sequence of cumulative generation snapshots into content
// deltas. Snapshots that add nothing are skipped. A snapshot error is
// yielded once and ends the sequence.
func Deltas(snapshots iter.Seq2[string, error]) iter.Seq2[api.ChunkChoice, error] {
	return func(yield func(api.ChunkChoice, error) bool) {
		current := 0
		for snap, err := range snapshots {
			if err != nil {
				yield(api.ChunkChoice{}, err)
				return
			}
			if len(snap) == current {
				continue
			}
			// A shrinking snapshot has no suffix to emit; track it and move on.
			if len(snap) < current {
				current = len(snap)
				continue
			}
			delta := snap[current:]
			current = len(snap)
			if !yield(api.ChunkChoice{Index: 0, Delta: api.Delta{Content: api.String(delta)}}, nil) {
				return
			}
		}
	}
}
