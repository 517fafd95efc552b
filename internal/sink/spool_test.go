package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apptrace/collector/internal/statestore"
)

var testKey = Key{UserID: "tester", SourceID: "src-1"}

// readSegment decodes every envelope line in a sealed segment file.
func readSegment(t *testing.T, path string) []Envelope {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var envs []Envelope
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		envs = append(envs, env)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return envs
}

func TestSendRotateSegments(t *testing.T) {
	s, err := NewSpool(t.TempDir(), testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Send("usage", map[string]string{"subject": "A"})
	s.Send("usage", map[string]string{"subject": "B"})
	s.Send("interaction", map[string]string{"state": "standby"})

	if err := s.Rotate(); err != nil {
		t.Fatal(err)
	}
	segments, err := s.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2 (one per topic): %+v", len(segments), segments)
	}

	byTopic := make(map[string][]Envelope)
	for _, seg := range segments {
		byTopic[seg.Topic] = readSegment(t, seg.Path)
	}
	if got := len(byTopic["usage"]); got != 2 {
		t.Errorf("usage segment has %d records, want 2", got)
	}
	if got := len(byTopic["interaction"]); got != 1 {
		t.Errorf("interaction segment has %d records, want 1", got)
	}

	// Every record carries the spool's key.
	for topic, envs := range byTopic {
		for _, env := range envs {
			if env.Key != testKey {
				t.Errorf("%s record key = %+v, want %+v", topic, env.Key, testKey)
			}
			if env.EnqueuedAt.IsZero() {
				t.Errorf("%s record has zero enqueue time", topic)
			}
		}
	}
}

func TestRotateWithoutRecords(t *testing.T) {
	s, err := NewSpool(t.TempDir(), testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Rotate(); err != nil {
		t.Fatal(err)
	}
	segments, err := s.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 0 {
		t.Errorf("empty rotate produced segments: %+v", segments)
	}
}

func TestCloseSealsCurrentFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSpool(dir, testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	s.Send("usage", map[string]string{"subject": "A"})
	s.Close()

	if _, err := os.Stat(filepath.Join(dir, "usage", currentFileName)); !os.IsNotExist(err) {
		t.Error("current file survived Close")
	}
	s2, err := NewSpool(dir, testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	segments, err := s2.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments after close+reopen, want 1", len(segments))
	}
	if envs := readSegment(t, segments[0].Path); len(envs) != 1 {
		t.Errorf("segment has %d records, want 1", len(envs))
	}
}

func TestLeftoverCurrentFileSealedOnOpen(t *testing.T) {
	// Simulate a crash: a current file exists with records but was never
	// sealed.
	dir := t.TempDir()
	topicDir := filepath.Join(dir, "usage")
	if err := os.MkdirAll(topicDir, 0o700); err != nil {
		t.Fatal(err)
	}
	line := `{"key":{"userId":"tester","sourceId":"src-1"},"value":{"subject":"A"},"enqueuedAt":"2026-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(filepath.Join(topicDir, currentFileName), []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewSpool(dir, testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	segments, err := s.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("leftover current file not sealed: %+v", segments)
	}
	if envs := readSegment(t, segments[0].Path); len(envs) != 1 {
		t.Errorf("sealed segment has %d records, want 1", len(envs))
	}
}

func TestSendAfterCloseDropped(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSpool(dir, testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Must not panic or write anything.
	s.Send("usage", map[string]string{"subject": "A"})

	s2, err := NewSpool(dir, testKey, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	segments, err := s2.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 0 {
		t.Errorf("send after close produced segments: %+v", segments)
	}
}

func TestCloseDuringConcurrentSends(t *testing.T) {
	// Senders racing Close must never panic: the writer owns the channel
	// lifecycle and a record enqueued after the final drain is dropped.
	s, err := NewSpool(t.TempDir(), testKey, 4)
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
					s.Send("usage", map[string]int{"sender": n, "seq": j})
				}
			}
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	s.Close()
	close(stop)
	wg.Wait()

	// Sends after Close are silently dropped, and Close stays idempotent.
	s.Send("usage", map[string]string{"subject": "late"})
	s.Close()
}

func TestLoadKeyStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	store, err := statestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	key, err := LoadKey(store, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if key.UserID != "tester" || key.SourceID == "" {
		t.Fatalf("key = %+v, want tester with generated source id", key)
	}

	store2, err := statestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	key2, err := LoadKey(store2, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if key2.SourceID != key.SourceID {
		t.Errorf("source id changed across restarts: %s -> %s", key.SourceID, key2.SourceID)
	}
}
