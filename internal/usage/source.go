package usage

// Source defines the interface for a raw activity event provider. Each
// implementation knows how to produce the activity events that occurred on
// the host within a time window, in a common format the coalescer can
// consume.
//
// Implementations are called from a single goroutine (the scheduled
// processing cycle). They do not need to be safe for concurrent use with
// respect to the coalescer, but may maintain their own internal state
// between calls.
type Source interface {
	// QueryEvents returns all raw events with a timestamp in
	// [fromMillis, toMillis), ordered by non-decreasing timestamp.
	// The returned slice is finite and owned by the caller.
	//
	// QueryEvents is called once per processing cycle. An error marks
	// the whole cycle as failed; the coalescer leaves its cursor
	// untouched and retries on the next firing.
	QueryEvents(fromMillis, toMillis int64) ([]RawEvent, error)
}
