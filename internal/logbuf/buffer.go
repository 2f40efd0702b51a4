package logbuf

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// Entry is a single captured output line. Entries are immutable once
// created and are appended in arrival order.
type Entry struct {
	Seq    uint64    `json:"sequenceId"`
	Time   time.Time `json:"timestamp"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// Subscriber is one live log-stream consumer. Entries appended after
// subscription arrive on Entries; a consumer that stops draining it is
// dropped by the buffer rather than blocking the producer.
type Subscriber struct {
	ID      string
	Entries chan Entry
}

// Buffer is a fixed-capacity FIFO of recent process output with live
// fan-out to subscribers and a best-effort durable append file. A single
// instance is constructed at process start and injected wherever output
// is produced or consumed.
type Buffer struct {
	mu          sync.Mutex
	capacity    int
	subBuffer   int
	entries     []Entry
	nextSeq     uint64
	subscribers map[string]*Subscriber
	filePath    string
	file        *os.File
}

func New(capacity, subscriberBuffer int, filePath string) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Buffer{
		capacity:    capacity,
		subBuffer:   subscriberBuffer,
		subscribers: make(map[string]*Subscriber),
		filePath:    filePath,
	}
}

// Open prepares the durable append-only log file. The in-memory buffer
// works without it; durability is best-effort.
func (b *Buffer) Open() error {
	if b.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.filePath), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(b.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", b.filePath, err)
	}
	b.mu.Lock()
	b.file = f
	b.mu.Unlock()
	return nil
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.Entries)
	}
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// Append records a line, evicting the oldest entry past capacity, and
// pushes it to every live subscriber. A subscriber whose channel is full
// is removed from the broadcast set.
func (b *Buffer) Append(stream Stream, text string) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	entry := Entry{
		Seq:    b.nextSeq,
		Time:   time.Now().UTC(),
		Stream: stream,
		Text:   text,
	}

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[1:]
	}

	if b.file != nil {
		// Durability is best-effort: the in-memory buffer stays authoritative.
		if _, err := fmt.Fprintf(b.file, "%s [%s] %s\n", entry.Time.Format(time.RFC3339Nano), stream, text); err != nil {
			slog.Debug("Durable log append failed", "path", b.filePath, "error", err)
		}
	}

	for id, sub := range b.subscribers {
		select {
		case sub.Entries <- entry:
		default:
			delete(b.subscribers, id)
			close(sub.Entries)
			slog.Warn("Log subscriber dropped, channel full", "subscriber_id", id)
		}
	}

	return entry
}

// Subscribe registers a live consumer and returns the replay of buffered
// entries with Seq > since. Replay and registration happen under one
// lock, so a subscriber sees no gap and no duplicate between the replay
// and the live stream.
func (b *Buffer) Subscribe(since uint64) (*Subscriber, []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:      ulid.Make().String(),
		Entries: make(chan Entry, b.subBuffer),
	}

	var replay []Entry
	for _, entry := range b.entries {
		if entry.Seq > since {
			replay = append(replay, entry)
		}
	}

	b.subscribers[sub.ID] = sub
	return sub, replay
}

func (b *Buffer) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.Entries)
}

func (b *Buffer) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}
