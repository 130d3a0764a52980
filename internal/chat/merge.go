package chat

import "sort"

// mergeTimeline produces the single rendered timeline for a room from the
// REST-fetched history and the live store. Both inputs are unioned by
// identity with the live entry winning when a server id appears in both,
// then ordered by creation time ascending with the server id (and then
// the local id) as a deterministic tie-break. Pure function: recomputed
// from scratch on every store generation, never patched incrementally.
func mergeTimeline(history, live []Message) []Message {
	merged := make([]Message, 0, len(history)+len(live))
	index := make(map[string]int, len(history)+len(live))

	add := func(msg Message) {
		key := msg.Key()
		if i, ok := index[key]; ok {
			merged[i] = msg
			return
		}
		index[key] = len(merged)
		merged = append(merged, msg)
	}

	for _, m := range history {
		add(m)
	}
	for _, m := range live {
		add(m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		if merged[i].ID != merged[j].ID {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].LocalID < merged[j].LocalID
	})

	return merged
}
