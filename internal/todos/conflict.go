package todos

// resolveUpsert applies the last-write-wins policy for a single row. The
// write carrying the larger updated_at_ms wins; on equal timestamps the
// incoming write is applied so that repeating a push converges to the same
// state. Field-level merging is never attempted.
func resolveUpsert(existing *Todo, incoming Todo) (Todo, bool) {
	if existing == nil {
		return incoming, true
	}
	if incoming.UpdatedAtMillis < existing.UpdatedAtMillis {
		return *existing, false
	}
	return incoming, true
}
