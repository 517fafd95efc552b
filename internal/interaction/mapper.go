// Package interaction maps raw host lifecycle signals (lock, unlock,
// shutdown) to interaction states and emits one record per signal.
package interaction

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/apptrace/collector/internal/sink"
	"github.com/apptrace/collector/internal/statestore"
)

// State is the user-interaction state derived from a lifecycle signal.
type State int

const (
	Standby State = iota
	Unlocked
	Shutdown
	Booted
)

var stateNames = map[State]string{
	Standby:  "standby",
	Unlocked: "unlocked",
	Shutdown: "shutdown",
	Booted:   "booted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	*s = Standby
	return nil
}

// Raw lifecycle signals. SignalBoot is never received from outside; it is
// synthesized by the boot-inference rule.
const (
	SignalScreenOff   = "screen_off"
	SignalUserPresent = "user_present"
	SignalShutdown    = "shutdown"
	SignalBoot        = "boot"
)

var stateBySignal = map[string]State{
	SignalScreenOff:   Standby,
	SignalUserPresent: Unlocked,
	SignalShutdown:    Shutdown,
	SignalBoot:        Booted,
}

const keyLastSignal = "interaction.lastSignal"

// Record is the emitted interaction-state record. Time and TimeReceived
// are Unix seconds; for interaction states they coincide.
type Record struct {
	Time         float64 `json:"time"`
	TimeReceived float64 `json:"timeReceived"`
	State        State   `json:"state"`
}

// Mapper turns lifecycle signals into interaction-state records. Each
// signal is emitted immediately; the raw signal is persisted after
// emission so the next invocation can apply the boot-inference rule: when
// the previously persisted signal was shutdown, the host must have booted
// in between, so a Booted record is emitted before the real signal is
// processed.
//
// Signals arrive from HTTP handlers and the process signal handler, so
// HandleSignal serializes the emit-and-persist step with a mutex. Emission
// is a non-blocking sink enqueue; handlers never wait on the coalescer.
type Mapper struct {
	mu       sync.Mutex
	store    *statestore.Store
	snk      sink.Sink
	topic    string
	observer func(Record)
	now      func() time.Time
}

func NewMapper(store *statestore.Store, snk sink.Sink, topic string) *Mapper {
	return &Mapper{
		store: store,
		snk:   snk,
		topic: topic,
		now:   time.Now,
	}
}

// SetObserver installs a callback invoked for each emitted record.
func (m *Mapper) SetObserver(observer func(Record)) {
	m.observer = observer
}

// HandleSignal processes one raw lifecycle signal. Unknown signals are
// dropped without emission or persistence.
func (m *Mapper) HandleSignal(signal string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// If the previous signal was a shutdown, this signal means the host
	// has booted since.
	if m.store.GetString(keyLastSignal, "") == SignalShutdown {
		m.emitLocked(SignalBoot)
	}
	m.emitLocked(signal)
}

func (m *Mapper) emitLocked(signal string) {
	state, ok := stateBySignal[signal]
	if !ok {
		return
	}

	t := float64(m.now().UnixMilli()) / 1000
	rec := Record{Time: t, TimeReceived: t, State: state}
	m.snk.Send(m.topic, rec)
	if m.observer != nil {
		m.observer(rec)
	}

	// Persist the raw signal last; the shutdown value is what registers
	// a boot on the next invocation.
	if err := m.store.PutAll(map[string]string{keyLastSignal: signal}); err != nil {
		log.Printf("[interaction] persisting last signal: %v", err)
	}
	log.Printf("[interaction] state: %.3f %s", t, state)
}
