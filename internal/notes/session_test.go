package notes

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"unlockmemory/api/internal/store"
)

var testBase = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

// fakeClock fires timers only when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	fired   bool
	stopped bool
	clock   *fakeClock
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testBase}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), fn: fn, clock: c}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.fired && !t.stopped
	t.stopped = true
	return wasActive
}

// Advance moves the clock forward, firing due timers in deadline
// order from the caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

type noteSave struct {
	noteID  string
	content string
	at      time.Time
}

type fakeNoteStore struct {
	mu       sync.Mutex
	notes    []store.Note
	saves    []noteSave
	failNext bool
	// when non-nil, UpdateNoteContent blocks on it before returning
	block chan struct{}
	// when non-nil, InsertNote rendezvouses here so the test can hold
	// several inserts in flight at once
	insertBarrier *sync.WaitGroup
}

func (f *fakeNoteStore) ListNotes(_ context.Context, _, _ string) ([]store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Note(nil), f.notes...), nil
}

func (f *fakeNoteStore) GetNote(_ context.Context, noteID, _ string) (store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if n.ID == noteID {
			return n, nil
		}
	}
	return store.Note{}, fmt.Errorf("note %s not found", noteID)
}

func (f *fakeNoteStore) InsertNote(_ context.Context, n store.Note) (store.Note, error) {
	f.mu.Lock()
	barrier := f.insertBarrier
	f.mu.Unlock()
	if barrier != nil {
		barrier.Done()
		barrier.Wait()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = fmt.Sprintf("note_%d", len(f.notes)+1)
	n.CreatedAt = testBase
	n.UpdatedAt = testBase
	f.notes = append(f.notes, n)
	return n, nil
}

func (f *fakeNoteStore) UpdateNoteContent(_ context.Context, noteID, _, content string, updatedAt time.Time) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("synthetic store failure")
	}
	f.saves = append(f.saves, noteSave{noteID: noteID, content: content, at: updatedAt})
	for i := range f.notes {
		if f.notes[i].ID == noteID {
			f.notes[i].Content = content
			f.notes[i].UpdatedAt = updatedAt
		}
	}
	return nil
}

func (f *fakeNoteStore) DeleteNote(_ context.Context, noteID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.notes {
		if n.ID == noteID {
			f.notes = append(f.notes[:i], f.notes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("note %s not found", noteID)
}

func (f *fakeNoteStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeNoteStore) lastSave() noteSave {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

// recordBridge records publishes and delivers nothing.
type recordBridge struct {
	mu   sync.Mutex
	msgs []Message
}

func (b *recordBridge) Publish(_ context.Context, _ string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordBridge) Subscribe(_ context.Context, _ string, _ func(Message)) (func(), error) {
	return func() {}, nil
}

func (b *recordBridge) ofType(typ string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func twoNotesStore() *fakeNoteStore {
	return &fakeNoteStore{notes: []store.Note{
		{ID: "n1", UserID: "u1", CourseID: "c1", EntityType: "lesson", Content: "alpha", UpdatedAt: testBase.Add(-time.Hour)},
		{ID: "n2", UserID: "u1", CourseID: "c1", EntityType: "lesson", Content: "beta", UpdatedAt: testBase.Add(-time.Hour)},
	}}
}

func startSession(t *testing.T, fs *fakeNoteStore, bridge Bridge, clock Clock, tabID string) *Session {
	t.Helper()
	s := NewSession(SessionConfig{
		Store:            fs,
		Bridge:           bridge,
		Clock:            clock,
		UserID:           "u1",
		CourseID:         "c1",
		TabID:            tabID,
		Debounce:         time.Second,
		TransitionWindow: 100 * time.Millisecond,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestAutosaveWritesAfterDebounce(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	s := startSession(t, fs, &recordBridge{}, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("alpha edited")
	clock.Advance(time.Second)

	waitFor(t, "autosave", func() bool { return fs.saveCount() == 1 })
	save := fs.lastSave()
	if save.noteID != "n1" || save.content != "alpha edited" {
		t.Fatalf("unexpected save %+v", save)
	}
	if got, want := save.at, testBase.Add(time.Second); !got.Equal(want) {
		t.Fatalf("save timestamp = %v, want %v", got, want)
	}

	waitFor(t, "local commit", func() bool {
		return s.Snapshot().LastSavedContent == "alpha edited"
	})
	if ts := s.Snapshot().LocalTimestamp; ts != "2025-01-02T10:00:01.000Z" {
		t.Fatalf("local timestamp = %q", ts)
	}
}

func TestEachKeystrokeResetsDebounce(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	s := startSession(t, fs, &recordBridge{}, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("a")
	clock.Advance(900 * time.Millisecond)
	s.SetContent("ab")
	clock.Advance(900 * time.Millisecond)
	if fs.saveCount() != 0 {
		t.Fatalf("saved before debounce elapsed")
	}

	clock.Advance(100 * time.Millisecond)
	waitFor(t, "autosave", func() bool { return fs.saveCount() == 1 })
	if save := fs.lastSave(); save.content != "ab" {
		t.Fatalf("saved %q, want final keystroke", save.content)
	}
}

func TestSwitchDuringDebounceSavesNothing(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	s := startSession(t, fs, &recordBridge{}, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("half-typed thought")
	s.SelectNote("n2")
	clock.Advance(5 * time.Second)

	if fs.saveCount() != 0 {
		t.Fatalf("save fired across a note switch: %+v", fs.saves)
	}
	snap := s.Snapshot()
	if snap.SelectedNoteID != "n2" || snap.EditContent != "beta" {
		t.Fatalf("editor state leaked across switch: %+v", snap)
	}
}

func TestFlushSuppressedDuringTransitionWindow(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	s := NewSession(SessionConfig{
		Store:            fs,
		Bridge:           &recordBridge{},
		Clock:            clock,
		UserID:           "u1",
		CourseID:         "c1",
		TabID:            "tab-a",
		Debounce:         50 * time.Millisecond,
		TransitionWindow: 100 * time.Millisecond,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(s.Close)

	s.SelectNote("n1")
	s.SetContent("too eager")
	clock.Advance(60 * time.Millisecond)

	if fs.saveCount() != 0 {
		t.Fatalf("save fired inside the transition window")
	}
}

func TestUnchangedContentNotRewritten(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	s := startSession(t, fs, &recordBridge{}, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("alpha")
	clock.Advance(5 * time.Second)

	if fs.saveCount() != 0 {
		t.Fatalf("rewrote unchanged content")
	}
}

func TestCrossTabConvergence(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	bridge := NewMemoryBridge()
	a := startSession(t, fs, bridge, clock, "tab-a")
	b := startSession(t, fs, bridge, clock, "tab-b")

	a.SelectNote("n1")
	b.SelectNote("n1")

	a.SetContent("hello from A")
	clock.Advance(time.Second)

	waitFor(t, "tab B to converge", func() bool {
		return b.Snapshot().EditContent == "hello from A"
	})

	snapA, snapB := a.Snapshot(), b.Snapshot()
	if snapA.LastSavedContent != "hello from A" {
		t.Fatalf("tab A did not commit its own save: %+v", snapA)
	}
	if snapB.LastSavedContent != "hello from A" || snapB.LocalTimestamp != snapA.LocalTimestamp {
		t.Fatalf("tab B state diverged: %+v vs %+v", snapB, snapA)
	}

	// B's adopted content must not bounce back as a save of its own.
	clock.Advance(5 * time.Second)
	if fs.saveCount() != 1 {
		t.Fatalf("remote apply triggered an echo save: %d saves", fs.saveCount())
	}
}

func TestStaleRemoteUpdateDiscarded(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	bridge := NewMemoryBridge()
	s := startSession(t, fs, bridge, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("fresh local text")
	clock.Advance(time.Second)
	waitFor(t, "local save", func() bool { return fs.saveCount() == 1 })
	waitFor(t, "local commit", func() bool {
		return s.Snapshot().LastSavedContent == "fresh local text"
	})

	topic := CourseTopic("u1", "c1")
	stale := FormatTimestamp(testBase.Add(-time.Minute))
	err := bridge.Publish(context.Background(), topic, Message{
		V: 1, Type: MessageUpdate, NoteID: "n1",
		Content: "old text from a slow tab", UpdatedAt: stale, Writer: "tab-z",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Delivery is ordered per subscriber; once this delete lands, the
	// stale update above has been processed too.
	if err := bridge.Publish(context.Background(), topic, Message{V: 1, Type: MessageDeleted, NoteID: "n2", Writer: "tab-z"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "fence delete", func() bool { return len(s.Snapshot().Notes) == 1 })

	if snap := s.Snapshot(); snap.EditContent != "fresh local text" {
		t.Fatalf("stale remote overwrote local edits: %+v", snap)
	}
}

func TestNewerRemoteUpdateWinsAndCancelsDebounce(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	bridge := NewMemoryBridge()
	s := startSession(t, fs, bridge, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("about to lose")

	newer := FormatTimestamp(clock.Now().Add(time.Minute))
	err := bridge.Publish(context.Background(), CourseTopic("u1", "c1"), Message{
		V: 1, Type: MessageUpdate, NoteID: "n1",
		Content: "remote wins", UpdatedAt: newer, Writer: "tab-z",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "remote apply", func() bool {
		return s.Snapshot().EditContent == "remote wins"
	})
	snap := s.Snapshot()
	if snap.LastSavedContent != "remote wins" {
		t.Fatalf("newer remote not applied: %+v", snap)
	}
	if snap.LocalTimestamp != newer {
		t.Fatalf("local timestamp = %q, want %q", snap.LocalTimestamp, newer)
	}

	clock.Advance(5 * time.Second)
	if fs.saveCount() != 0 {
		t.Fatalf("pending debounce survived the remote apply")
	}
}

func TestInFlightSaveDiscardedAfterSwitch(t *testing.T) {
	fs := twoNotesStore()
	fs.block = make(chan struct{})
	clock := newFakeClock()
	bridge := &recordBridge{}
	s := startSession(t, fs, bridge, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("written while switching")
	clock.Advance(time.Second)

	// The store write is now suspended; switch notes underneath it.
	s.SelectNote("n2")
	close(fs.block)

	waitFor(t, "store write", func() bool { return fs.saveCount() == 1 })
	waitFor(t, "session idle", func() bool {
		return s.Snapshot().SelectedNoteID == "n2"
	})

	snap := s.Snapshot()
	if snap.LastSavedContent != "beta" || snap.EditContent != "beta" {
		t.Fatalf("in-flight save leaked into the new note: %+v", snap)
	}
	if updates := bridge.ofType(MessageUpdate); len(updates) != 0 {
		t.Fatalf("discarded save was broadcast: %+v", updates)
	}
}

func TestSaveFailureLeavesContentDirty(t *testing.T) {
	fs := twoNotesStore()
	fs.failNext = true
	clock := newFakeClock()
	s := startSession(t, fs, &recordBridge{}, clock, "tab-a")

	s.SelectNote("n1")
	s.SetContent("must not be lost")
	clock.Advance(time.Second)

	waitFor(t, "failed attempt to settle", func() bool {
		return s.Snapshot().LastSavedContent == "alpha"
	})
	if fs.saveCount() != 0 {
		t.Fatalf("failed write recorded a save")
	}

	// The next keystroke retries because lastSavedContent is stale.
	s.SetContent("must not be lost")
	clock.Advance(time.Second)
	waitFor(t, "retry save", func() bool { return fs.saveCount() == 1 })
	if save := fs.lastSave(); save.content != "must not be lost" {
		t.Fatalf("retried with %q", save.content)
	}
}

func TestRemoteCreatedAndDeleted(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	bridge := NewMemoryBridge()
	s := startSession(t, fs, bridge, clock, "tab-a")

	fs.mu.Lock()
	fs.notes = append(fs.notes, store.Note{ID: "n3", UserID: "u1", CourseID: "c1", EntityType: "user", Content: "from another tab", UpdatedAt: testBase})
	fs.mu.Unlock()

	topic := CourseTopic("u1", "c1")
	if err := bridge.Publish(context.Background(), topic, Message{V: 1, Type: MessageCreated, NoteID: "n3", Writer: "tab-z"}); err != nil {
		t.Fatalf("publish created: %v", err)
	}
	waitFor(t, "broadcast note adoption", func() bool { return len(s.Snapshot().Notes) == 3 })
	snap := s.Snapshot()
	if snap.Notes[0].ID != "n3" || snap.Notes[0].Content != "from another tab" {
		t.Fatalf("broadcast note not adopted: %+v", snap.Notes)
	}

	s.SelectNote("n3")
	if err := bridge.Publish(context.Background(), topic, Message{V: 1, Type: MessageDeleted, NoteID: "n3", Writer: "tab-z"}); err != nil {
		t.Fatalf("publish deleted: %v", err)
	}
	waitFor(t, "broadcast note removal", func() bool { return len(s.Snapshot().Notes) == 2 })
	snap = s.Snapshot()
	if snap.SelectedNoteID != "" || snap.EditContent != "" {
		t.Fatalf("deleted note lingered: %+v", snap)
	}
}

func TestCreateAndDeleteBroadcast(t *testing.T) {
	fs := twoNotesStore()
	clock := newFakeClock()
	bridge := &recordBridge{}
	s := startSession(t, fs, bridge, clock, "tab-a")

	created, err := s.CreateNote(store.Note{EntityType: "user", Title: "scratchpad", Content: ""})
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	if created.ID == "" || created.UserID != "u1" || created.CourseID != "c1" {
		t.Fatalf("created note missing ownership: %+v", created)
	}
	if snap := s.Snapshot(); snap.Notes[0].ID != created.ID {
		t.Fatalf("new note not first in list: %+v", snap.Notes)
	}
	if msgs := bridge.ofType(MessageCreated); len(msgs) != 1 || msgs[0].NoteID != created.ID {
		t.Fatalf("created broadcast = %+v", msgs)
	}

	if err := s.DeleteNote(created.ID); err != nil {
		t.Fatalf("delete note: %v", err)
	}
	if snap := s.Snapshot(); len(snap.Notes) != 2 {
		t.Fatalf("note not removed locally: %+v", snap.Notes)
	}
	if msgs := bridge.ofType(MessageDeleted); len(msgs) != 1 || msgs[0].NoteID != created.ID {
		t.Fatalf("deleted broadcast = %+v", msgs)
	}
}

func TestConcurrentCreatesInBothTabsComplete(t *testing.T) {
	fs := twoNotesStore()
	var barrier sync.WaitGroup
	barrier.Add(2)
	fs.insertBarrier = &barrier

	clock := newFakeClock()
	bridge := NewMemoryBridge()
	a := startSession(t, fs, bridge, clock, "tab-a")
	b := startSession(t, fs, bridge, clock, "tab-b")

	// Both inserts meet at the barrier, so both sessions broadcast to
	// each other while each is still inside its own command loop.
	done := make(chan error, 2)
	go func() {
		_, err := a.CreateNote(store.Note{EntityType: "user", Title: "from A"})
		done <- err
	}()
	go func() {
		_, err := b.CreateNote(store.Note{EntityType: "user", Title: "from B"})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("create note: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("concurrent creates blocked on each other's broadcast")
		}
	}

	waitFor(t, "both tabs to adopt both notes", func() bool {
		return len(a.Snapshot().Notes) == 4 && len(b.Snapshot().Notes) == 4
	})
}

func TestTimestampTieBrokenByWriter(t *testing.T) {
	ts := FormatTimestamp(testBase)
	if !remoteWins(ts, "tab-z", ts, "tab-a") {
		t.Fatalf("greater writer id should win an exact tie")
	}
	if remoteWins(ts, "tab-a", ts, "tab-z") {
		t.Fatalf("lesser writer id should lose an exact tie")
	}
	if !remoteWins(ts, "tab-a", "", "tab-z") {
		t.Fatalf("remote should win against an empty local timestamp")
	}
}
