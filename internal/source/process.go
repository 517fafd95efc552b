// Package source provides concrete activity event sources for the
// coalescer. ProcessSource watches the host process table and treats a
// watched process appearing as a foreground event and its disappearance as
// a background event.
package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/apptrace/collector/internal/usage"
)

// procInfo is the slice of process-table data the source consumes. Kept
// separate from gopsutil's process.Process so tests can inject synthetic
// tables.
type procInfo struct {
	pid     int32
	name    string
	created int64 // Unix milliseconds
}

// listProcesses returns the current process table via gopsutil. Processes
// whose name or creation time cannot be read (raced exits, permission
// denials) are skipped.
func listProcesses() ([]procInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	infos := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		created, err := p.CreateTime()
		if err != nil {
			continue
		}
		infos = append(infos, procInfo{pid: p.Pid, name: name, created: created})
	}
	return infos, nil
}

// ProcessSource implements usage.Source over the host process table.
//
// A watched process whose creation time falls inside the queried window
// yields a foreground event stamped at the creation time; a previously
// seen process that is gone from the table yields a background event
// stamped at the window's upper bound. Processes already running before
// the window are recorded silently so that only genuine appearances are
// reported.
type ProcessSource struct {
	mu    sync.Mutex
	watch map[string]bool // empty means watch everything
	known map[int32]string

	// list is replaceable for tests; defaults to the gopsutil lister.
	list func() ([]procInfo, error)
}

// NewProcessSource creates a source watching the given process names. An
// empty list watches every process.
func NewProcessSource(watch []string) *ProcessSource {
	watchSet := make(map[string]bool, len(watch))
	for _, name := range watch {
		watchSet[name] = true
	}
	return &ProcessSource{
		watch: watchSet,
		known: make(map[int32]string),
		list:  listProcesses,
	}
}

func (s *ProcessSource) watched(name string) bool {
	if len(s.watch) == 0 {
		return true
	}
	return s.watch[name]
}

// QueryEvents implements usage.Source.
func (s *ProcessSource) QueryEvents(fromMillis, toMillis int64) ([]usage.RawEvent, error) {
	infos, err := s.list()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int32]bool, len(infos))
	var events []usage.RawEvent

	for _, info := range infos {
		if !s.watched(info.name) {
			continue
		}
		seen[info.pid] = true
		if _, ok := s.known[info.pid]; ok {
			continue
		}
		if info.created >= toMillis {
			// Started after the window; picked up next cycle.
			continue
		}
		s.known[info.pid] = info.name
		if info.created < fromMillis {
			// Predates the window (already running before the first
			// cycle); track it without reporting an appearance.
			continue
		}
		events = append(events, usage.RawEvent{
			Subject:   info.name,
			Code:      usage.CodeForeground,
			Timestamp: info.created,
		})
	}

	for pid, name := range s.known {
		if seen[pid] {
			continue
		}
		delete(s.known, pid)
		events = append(events, usage.RawEvent{
			Subject:   name,
			Code:      usage.CodeBackground,
			Timestamp: toMillis - 1,
		})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}
