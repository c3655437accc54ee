// Package notes implements the per-user lesson notes subsystem: the
// tab session state machine with debounced autosave, and the message
// contract carried by the cross-tab sync bridge.
//
// Every browser tab is an isolated actor with its own state; the only
// convergence mechanism is the broadcast topic plus a monotonic
// updatedAt timestamp. There is no shared mutable state across tabs.
package notes

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Bridge message types.
const (
	MessageUpdate  = "update"
	MessageCreated = "created"
	MessageDeleted = "deleted"
)

// Message is the versioned wire shape broadcast between tabs.
type Message struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	NoteID    string `json:"noteId"`
	LessonID  string `json:"lessonId,omitempty"`
	Content   string `json:"content,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	// Writer identifies the sending tab: receivers drop their own
	// echoes and use it to break updatedAt ties.
	Writer string `json:"writer,omitempty"`
}

// Bridge is the cross-tab broadcast channel. Publish is fire-and-
// forget: a failed broadcast is non-fatal, peers reconcile on reload.
type Bridge interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, fn func(Message)) (func(), error)
}

// NoteTopic is the per-note broadcast topic for one user.
func NoteTopic(userID, noteID string) string {
	return fmt.Sprintf("notes:%s:%s", userID, noteID)
}

// CourseTopic carries note creation and deletion for a course.
func CourseTopic(userID, courseID string) string {
	return fmt.Sprintf("notes:%s:course:%s", userID, courseID)
}

// TimestampFormat is RFC3339 with fixed millisecond precision, so
// timestamps compare correctly as plain strings.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders a write timestamp in the fixed wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// remoteWins applies last-writer-wins: the greater timestamp wins,
// and the greater writer id breaks exact ties.
func remoteWins(remoteTS, remoteWriter, localTS, localWriter string) bool {
	if localTS == "" {
		return true
	}
	if remoteTS != localTS {
		return remoteTS > localTS
	}
	return remoteWriter > localWriter
}

// MemoryBridge is an in-process Bridge used in tests and in
// single-node deployments without Redis. Each subscriber drains its
// own buffered queue on a dedicated goroutine, so Publish never runs
// subscriber callbacks on the publisher's goroutine: a subscriber that
// publishes from inside its own handler cannot block another
// subscriber doing the same.
type MemoryBridge struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

const memorySubBuffer = 64

type memorySub struct {
	topic string
	ch    chan Message
	done  chan struct{}
}

func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{subs: map[string][]*memorySub{}}
}

func (b *MemoryBridge) Publish(_ context.Context, topic string, msg Message) error {
	b.mu.Lock()
	subs := append([]*memorySub(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		default:
			// Fire-and-forget: a slow subscriber loses the message and
			// reconciles on its next load.
			log.Printf("memory bridge: dropping message for slow subscriber on %s", topic)
		}
	}
	return nil
}

func (b *MemoryBridge) Subscribe(_ context.Context, topic string, fn func(Message)) (func(), error) {
	sub := &memorySub{
		topic: topic,
		ch:    make(chan Message, memorySubBuffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				fn(msg)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			kept := b.subs[topic][:0]
			for _, s := range b.subs[topic] {
				if s != sub {
					kept = append(kept, s)
				}
			}
			b.subs[topic] = kept
			b.mu.Unlock()
			close(sub.done)
		})
	}, nil
}
