package ws

import (
	"time"

	"github.com/apptrace/collector/internal/interaction"
	"github.com/apptrace/collector/internal/track"
	"github.com/apptrace/collector/internal/usage"
)

type MessageType string

const (
	MsgSnapshot     MessageType = "snapshot"
	MsgDelta        MessageType = "delta"
	MsgInteraction  MessageType = "interaction"
	MsgSourceHealth MessageType = "source_health"
	MsgError        MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Subjects []*track.SubjectState `json:"subjects"`
}

type DeltaPayload struct {
	Transitions []usage.Transition `json:"transitions"`
}

type InteractionPayload struct {
	Record interaction.Record `json:"record"`
}

type SourceHealthPayload struct {
	Status    usage.SourceHealthStatus `json:"status"`
	Failures  int                      `json:"failures"`
	LastError string                   `json:"lastError,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}
