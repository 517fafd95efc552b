package sink

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	currentFileName = "current.jsonl"
	segmentSuffix   = ".seg.jsonl"

	// sendBufferDefault bounds the in-flight queue between Send callers
	// and the writer goroutine.
	sendBufferDefault = 256
)

type spoolItem struct {
	topic string
	env   Envelope
}

type rotateRequest struct {
	reply chan error
}

// Spool is a durable, buffered Sink. Records are enqueued on a channel and
// appended by a single writer goroutine to a per-topic JSONL file under the
// spool directory (<dir>/<topic>/current.jsonl). Rotate seals the current
// files into immutable segments that the Uploader ships to the collection
// endpoint and deletes after a successful upload.
//
// Send never blocks past the channel buffer: when the writer falls behind,
// records are dropped and counted, with a rate-limited log line.
type Spool struct {
	dir string
	key Key

	items   chan spoolItem
	rotates chan rotateRequest
	quit    chan struct{}
	done    chan struct{}
	closed  atomic.Bool

	dropMu      sync.Mutex
	dropped     int64
	lastDropLog time.Time
}

// NewSpool opens (or creates) a spool directory and starts the writer.
// Current files left over from a previous run are sealed into segments so
// that a crash never strands records in a half-written current file.
func NewSpool(dir string, key Key, buffer int) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	if buffer <= 0 {
		buffer = sendBufferDefault
	}

	s := &Spool{
		dir:     dir,
		key:     key,
		items:   make(chan spoolItem, buffer),
		rotates: make(chan rotateRequest),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := s.sealLeftovers(); err != nil {
		return nil, err
	}

	go s.writeLoop()
	return s, nil
}

// Send implements Sink. The value is wrapped in an Envelope carrying the
// spool's key and enqueued for the writer goroutine.
func (s *Spool) Send(topic string, value any) {
	if s.closed.Load() {
		return
	}
	item := spoolItem{
		topic: topic,
		env:   Envelope{Key: s.key, Value: value, EnqueuedAt: time.Now().UTC()},
	}
	select {
	case s.items <- item:
	default:
		s.recordDrop()
	}
}

// recordDrop counts a dropped record and logs at most once per 10 seconds
// to avoid log spam under sustained backpressure.
func (s *Spool) recordDrop() {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	s.dropped++
	now := time.Now()
	if s.lastDropLog.IsZero() || now.Sub(s.lastDropLog) >= 10*time.Second {
		log.Printf("[sink] records dropped: %d (spool queue full)", s.dropped)
		s.dropped = 0
		s.lastDropLog = now
	}
}

// Rotate seals each topic's current file into an immutable segment. The
// writer drains its queue before sealing, so segments listed afterwards
// contain every record enqueued before the call.
func (s *Spool) Rotate() error {
	req := rotateRequest{reply: make(chan error, 1)}
	select {
	case s.rotates <- req:
		return <-req.reply
	case <-s.done:
		return fmt.Errorf("spool closed")
	}
}

// Segments returns the paths of sealed segment files, oldest first, along
// with the topic each belongs to.
func (s *Spool) Segments() ([]Segment, error) {
	topics, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool dir: %w", err)
	}

	var segments []Segment
	for _, t := range topics {
		if !t.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, t.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading topic dir: %w", err)
		}
		for _, f := range files {
			if !strings.HasSuffix(f.Name(), segmentSuffix) {
				continue
			}
			segments = append(segments, Segment{
				Topic: t.Name(),
				Path:  filepath.Join(s.dir, t.Name(), f.Name()),
			})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Path < segments[j].Path })
	return segments, nil
}

// Close stops accepting records, drains the queue, and seals the current
// files so nothing is lost across a clean shutdown. The items channel is
// never closed: Send may race Close, and a record enqueued after the writer
// drained is dropped rather than a send on a closed channel.
func (s *Spool) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.quit)
	<-s.done
}

// Segment is a sealed spool file awaiting upload.
type Segment struct {
	Topic string
	Path  string
}

// writeLoop is the single owner of all spool file handles.
func (s *Spool) writeLoop() {
	defer close(s.done)

	files := make(map[string]*os.File)

	closeAll := func() {
		for topic, f := range files {
			if err := f.Close(); err != nil {
				log.Printf("[sink] closing %s spool: %v", topic, err)
			}
			delete(files, topic)
		}
	}

	drain := func() {
		for {
			select {
			case item := <-s.items:
				s.append(files, item)
			default:
				return
			}
		}
	}

	for {
		select {
		case item := <-s.items:
			s.append(files, item)
		case req := <-s.rotates:
			// Drain whatever Send enqueued before the rotate so the
			// sealed segments carry it.
			drain()
			closeAll()
			req.reply <- s.sealLeftovers()
		case <-s.quit:
			drain()
			closeAll()
			if err := s.sealLeftovers(); err != nil {
				log.Printf("[sink] sealing on close: %v", err)
			}
			return
		}
	}
}

// append writes one envelope as a JSON line to the topic's current file,
// opening it on first use.
func (s *Spool) append(files map[string]*os.File, item spoolItem) {
	f, ok := files[item.topic]
	if !ok {
		topicDir := filepath.Join(s.dir, item.topic)
		if err := os.MkdirAll(topicDir, 0o700); err != nil {
			log.Printf("[sink] creating topic dir %s: %v", item.topic, err)
			return
		}
		var err error
		f, err = os.OpenFile(filepath.Join(topicDir, currentFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			log.Printf("[sink] opening %s spool: %v", item.topic, err)
			return
		}
		files[item.topic] = f
	}

	line, err := json.Marshal(item.env)
	if err != nil {
		log.Printf("[sink] marshaling %s record: %v", item.topic, err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		log.Printf("[sink] writing %s record: %v", item.topic, err)
	}
}

// sealLeftovers renames each topic's current file, if any, to a timestamped
// segment. Safe to call only when no file handles are open on the current
// files (writer startup, after closeAll, or before the writer starts).
func (s *Spool) sealLeftovers() error {
	topics, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading spool dir: %w", err)
	}
	for _, t := range topics {
		if !t.IsDir() {
			continue
		}
		current := filepath.Join(s.dir, t.Name(), currentFileName)
		info, err := os.Stat(current)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("checking current file: %w", err)
		}
		if info.Size() == 0 {
			os.Remove(current)
			continue
		}
		sealed := filepath.Join(s.dir, t.Name(), fmt.Sprintf("%d%s", time.Now().UnixNano(), segmentSuffix))
		if err := os.Rename(current, sealed); err != nil {
			return fmt.Errorf("sealing segment: %w", err)
		}
	}
	return nil
}
