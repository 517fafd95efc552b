package usage

import (
	"strconv"
	"time"

	"github.com/apptrace/collector/internal/statestore"
)

// Keys under which the cursor is persisted in the state store.
const (
	keyLastSubject   = "usage.lastSubject"
	keyLastTimestamp = "usage.lastTimestamp"
	keyLastCode      = "usage.lastCode"
	keyLastSent      = "usage.lastSent"
)

// Cursor is the durable resumption state of the coalescer: the last raw
// event observed and whether it has been emitted. Persisting it after each
// cycle lets a restarted collector resume exactly where the previous run
// left off, without duplicating or losing transitions.
type Cursor struct {
	// Subject of the last observed event; empty when no event has been
	// observed yet.
	Subject string

	// Timestamp of the last observed event in Unix milliseconds. Events
	// older than this are duplicates and are skipped.
	Timestamp int64

	// Code is the numeric event code of the last observed event.
	Code int

	// Sent reports whether the last observed event has been emitted as
	// a transition. False means an open-but-unsent event is pending and
	// will be flushed as a catch-up close on the next subject change.
	Sent bool
}

// LoadCursor reads the persisted cursor from the store. On a cold start the
// timestamp defaults to now so that history from before the first run is
// never replayed, and Sent defaults to true (nothing pending to flush).
func LoadCursor(store *statestore.Store, now time.Time) Cursor {
	return Cursor{
		Subject:   store.GetString(keyLastSubject, ""),
		Timestamp: store.GetInt64(keyLastTimestamp, now.UnixMilli()),
		Code:      store.GetInt(keyLastCode, CodeNone),
		Sent:      store.GetBool(keyLastSent, true),
	}
}

// Save persists the cursor as a single atomic batch.
func (c Cursor) Save(store *statestore.Store) error {
	return store.PutAll(map[string]string{
		keyLastSubject:   c.Subject,
		keyLastTimestamp: strconv.FormatInt(c.Timestamp, 10),
		keyLastCode:      strconv.Itoa(c.Code),
		keyLastSent:      strconv.FormatBool(c.Sent),
	})
}
