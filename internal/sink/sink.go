package sink

import (
	"time"

	"github.com/google/uuid"

	"github.com/apptrace/collector/internal/statestore"
)

const keySourceID = "sink.sourceId"

// Key identifies the origin of every record sent through a sink: the user
// (or deployment group) the collector reports under, and a stable per-
// installation source id.
type Key struct {
	UserID   string `json:"userId"`
	SourceID string `json:"sourceId"`
}

// LoadKey returns the sink key for this installation. The source id is
// generated once and persisted in the state store so that records from the
// same installation stay attributable across restarts.
func LoadKey(store *statestore.Store, userID string) (Key, error) {
	sourceID := store.GetString(keySourceID, "")
	if sourceID == "" {
		sourceID = uuid.NewString()
		if err := store.PutAll(map[string]string{keySourceID: sourceID}); err != nil {
			return Key{}, err
		}
	}
	return Key{UserID: userID, SourceID: sourceID}, nil
}

// Envelope wraps a record value with its key and enqueue time. This is the
// unit spooled to disk and uploaded to the collection endpoint.
type Envelope struct {
	Key        Key       `json:"key"`
	Value      any       `json:"value"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Sink accepts normalized records for eventual upload. Send is fire and
// forget: implementations must not block the caller beyond a local enqueue,
// and delivery failures are handled internally (logged, retried).
type Sink interface {
	Send(topic string, value any)
}
