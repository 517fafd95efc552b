package usage

import "encoding/json"

// EventKind classifies a usage event after mapping from the source's
// numeric event codes.
type EventKind int

const (
	Foreground EventKind = iota
	Background
	Config
	Shortcut
	Interaction
	Unknown
)

var kindNames = map[EventKind]string{
	Foreground:  "foreground",
	Background:  "background",
	Config:      "config",
	Shortcut:    "shortcut",
	Interaction: "interaction",
	Unknown:     "unknown",
}

var kindFromName = map[string]EventKind{
	"foreground":  Foreground,
	"background":  Background,
	"config":      Config,
	"shortcut":    Shortcut,
	"interaction": Interaction,
	"unknown":     Unknown,
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	} else {
		*k = Unknown
	}
	return nil
}

// Numeric event codes used by activity event sources. Sources producing
// their own events use the same code space.
const (
	CodeNone                = 0
	CodeForeground          = 1
	CodeBackground          = 2
	CodeConfigurationChange = 5
	CodeUserInteraction     = 7
	CodeShortcutInvocation  = 8
)

var kindByCode = map[int]EventKind{
	CodeNone:                Unknown,
	CodeForeground:          Foreground,
	CodeBackground:          Background,
	CodeConfigurationChange: Config,
	CodeUserInteraction:     Interaction,
	CodeShortcutInvocation:  Shortcut,
}

// KindFromCode maps a numeric source event code to an EventKind.
// Unrecognized codes map to Unknown rather than failing.
func KindFromCode(code int) EventKind {
	if k, ok := kindByCode[code]; ok {
		return k
	}
	return Unknown
}

// RawEvent is a single activity event as delivered by a Source. The Code is
// the source's numeric event code, mapped to an EventKind only when a
// transition is emitted.
type RawEvent struct {
	// Subject identifies the entity the event is about, e.g. an
	// application or process name.
	Subject string

	// Code is the source's numeric event code (CodeForeground etc.).
	Code int

	// Timestamp is the event time in Unix milliseconds.
	Timestamp int64
}

// Transition is a normalized open/close record emitted by the coalescer.
// Time is the underlying event time and TimeReceived the emission time,
// both in Unix seconds.
type Transition struct {
	Subject      string    `json:"subject"`
	Time         float64   `json:"time"`
	TimeReceived float64   `json:"timeReceived"`
	Kind         EventKind `json:"kind"`
}
