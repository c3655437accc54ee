package notes

import (
	"context"
	"log"
	"time"

	"unlockmemory/api/internal/store"
	"unlockmemory/api/internal/util"
)

// Store is the slice of persistence the autosave engine needs.
type Store interface {
	ListNotes(ctx context.Context, userID, courseID string) ([]store.Note, error)
	GetNote(ctx context.Context, noteID, userID string) (store.Note, error)
	InsertNote(ctx context.Context, n store.Note) (store.Note, error)
	UpdateNoteContent(ctx context.Context, noteID, userID, content string, updatedAt time.Time) error
	DeleteNote(ctx context.Context, noteID, userID string) error
}

// SessionConfig wires one browser-tab-equivalent editing session.
type SessionConfig struct {
	Store            Store
	Bridge           Bridge
	Clock            Clock
	UserID           string
	CourseID         string
	TabID            string
	Debounce         time.Duration
	TransitionWindow time.Duration
}

// Session owns all mutable editing state for one tab. Every mutation
// runs on a single goroutine, so none of the fields need locking;
// public methods marshal onto that goroutine and wait.
type Session struct {
	cfg   SessionConfig
	clock Clock

	commands chan func()
	done     chan struct{}
	ctx      context.Context

	unsubscribe func()

	notes            []store.Note
	selectedNoteID   string
	contentOwnerID   string
	editContent      string
	lastSavedContent string
	localTimestamp   string
	transitioning    bool
	remoteUpdate     bool

	debounceTimer   Timer
	transitionTimer Timer
	remoteTimer     Timer
}

func NewSession(cfg SessionConfig) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	if cfg.TabID == "" {
		cfg.TabID = util.NewSessionID()
	}
	return &Session{
		cfg:      cfg,
		clock:    clock,
		commands: make(chan func()),
		done:     make(chan struct{}),
	}
}

// Start loads the user's notes and begins listening for cross-tab
// messages on the course topic.
func (s *Session) Start(ctx context.Context) error {
	s.ctx = ctx
	go s.loop()

	notes, err := s.cfg.Store.ListNotes(ctx, s.cfg.UserID, s.cfg.CourseID)
	if err != nil {
		return err
	}
	s.do(func() { s.notes = notes })

	if s.cfg.Bridge != nil {
		topic := CourseTopic(s.cfg.UserID, s.cfg.CourseID)
		unsub, err := s.cfg.Bridge.Subscribe(ctx, topic, s.handleMessage)
		if err != nil {
			return err
		}
		s.unsubscribe = unsub
	}
	return nil
}

func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.do(func() { s.stopTimers() })
	close(s.done)
}

func (s *Session) loop() {
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.done:
			return
		}
	}
}

// do runs fn on the session goroutine and waits for it. Safe to call
// from timer callbacks and bridge handlers; never call it from inside
// another command.
func (s *Session) do(fn func()) {
	finished := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(finished) }:
		<-finished
	case <-s.done:
	}
}

// Snapshot is a copy of the observable session state, for callers
// outside the session goroutine.
type Snapshot struct {
	Notes            []store.Note
	SelectedNoteID   string
	EditContent      string
	LastSavedContent string
	LocalTimestamp   string
	Transitioning    bool
	RemoteUpdate     bool
}

func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	s.do(func() {
		snap = Snapshot{
			Notes:            append([]store.Note(nil), s.notes...),
			SelectedNoteID:   s.selectedNoteID,
			EditContent:      s.editContent,
			LastSavedContent: s.lastSavedContent,
			LocalTimestamp:   s.localTimestamp,
			Transitioning:    s.transitioning,
			RemoteUpdate:     s.remoteUpdate,
		}
	})
	return snap
}

// SelectNote switches the editor to another note. Any pending
// autosave for the previous note is cancelled, and saves are
// suppressed for a short window so a stray debounce fired mid-switch
// cannot write one note's text into another.
func (s *Session) SelectNote(noteID string) {
	s.do(func() {
		s.cancelDebounce()
		s.transitioning = true
		if s.transitionTimer != nil {
			s.transitionTimer.Stop()
		}
		s.transitionTimer = s.clock.AfterFunc(s.cfg.TransitionWindow, func() {
			s.do(func() { s.transitioning = false })
		})

		s.selectedNoteID = noteID
		s.contentOwnerID = noteID
		s.editContent = ""
		s.lastSavedContent = ""
		s.localTimestamp = ""
		for _, n := range s.notes {
			if n.ID == noteID {
				s.editContent = n.Content
				s.lastSavedContent = n.Content
				s.localTimestamp = FormatTimestamp(n.UpdatedAt)
				break
			}
		}
	})
}

// SetContent records a keystroke and (re)arms the autosave debounce.
// The content and its owning note are captured now: if the user
// switches notes before the timer fires, the flush sees the old owner
// and refuses to write.
func (s *Session) SetContent(content string) {
	s.do(func() {
		if s.selectedNoteID == "" {
			return
		}
		s.editContent = content
		owner := s.contentOwnerID
		s.cancelDebounce()
		s.debounceTimer = s.clock.AfterFunc(s.cfg.Debounce, func() {
			s.do(func() { s.flush(owner, content) })
		})
	})
}

// flush is the debounce expiry. All of the save guards live here and
// in finishSave.
func (s *Session) flush(owner, content string) {
	if owner != s.selectedNoteID {
		return
	}
	if s.transitioning {
		return
	}
	if content == s.lastSavedContent {
		return
	}
	if s.remoteUpdate {
		return
	}

	savedAt := s.clock.Now().UTC()
	go func() {
		err := s.cfg.Store.UpdateNoteContent(s.ctx, owner, s.cfg.UserID, content, savedAt)
		s.do(func() { s.finishSave(owner, content, savedAt, err) })
	}()
}

// finishSave runs after the store write returns. If the user switched
// notes while the write was in flight, the local bookkeeping and the
// broadcast are skipped; the row is written either way, and the next
// tab to load it sees the content.
func (s *Session) finishSave(owner, content string, savedAt time.Time, err error) {
	if err != nil {
		log.Printf("note autosave failed note=%s: %v", owner, err)
		return
	}
	if s.selectedNoteID != owner {
		return
	}
	s.lastSavedContent = content
	s.localTimestamp = FormatTimestamp(savedAt)
	s.setNoteContent(owner, content, savedAt)
	s.publish(Message{
		V:         1,
		Type:      MessageUpdate,
		NoteID:    owner,
		Content:   content,
		UpdatedAt: s.localTimestamp,
		Writer:    s.cfg.TabID,
	})
}

// CreateNote persists a new note and announces it to other tabs.
func (s *Session) CreateNote(n store.Note) (store.Note, error) {
	var created store.Note
	var err error
	s.do(func() {
		n.UserID = s.cfg.UserID
		n.CourseID = s.cfg.CourseID
		created, err = s.cfg.Store.InsertNote(s.ctx, n)
		if err != nil {
			return
		}
		s.notes = append([]store.Note{created}, s.notes...)
		s.publish(Message{
			V:         1,
			Type:      MessageCreated,
			NoteID:    created.ID,
			Content:   created.Content,
			UpdatedAt: FormatTimestamp(created.UpdatedAt),
			Writer:    s.cfg.TabID,
		})
	})
	return created, err
}

// DeleteNote removes a note. If it was being edited, the editor state
// and any pending autosave go with it.
func (s *Session) DeleteNote(noteID string) error {
	var err error
	s.do(func() {
		err = s.cfg.Store.DeleteNote(s.ctx, noteID, s.cfg.UserID)
		if err != nil {
			return
		}
		s.removeNote(noteID)
		s.publish(Message{
			V:      1,
			Type:   MessageDeleted,
			NoteID: noteID,
			Writer: s.cfg.TabID,
		})
	})
	return err
}

func (s *Session) handleMessage(msg Message) {
	// Own echoes are dropped before entering the session goroutine.
	if msg.Writer == s.cfg.TabID {
		return
	}
	s.do(func() {
		switch msg.Type {
		case MessageUpdate:
			s.applyRemoteUpdate(msg)
		case MessageCreated:
			s.applyRemoteCreate(msg)
		case MessageDeleted:
			s.removeNote(msg.NoteID)
		}
	})
}

func (s *Session) applyRemoteUpdate(msg Message) {
	idx := s.noteIndex(msg.NoteID)
	if idx < 0 {
		return
	}

	if msg.NoteID != s.selectedNoteID {
		if !remoteWins(msg.UpdatedAt, msg.Writer, FormatTimestamp(s.notes[idx].UpdatedAt), "") {
			return
		}
	} else {
		if !remoteWins(msg.UpdatedAt, msg.Writer, s.localTimestamp, s.cfg.TabID) {
			return
		}
		s.cancelDebounce()
		s.remoteUpdate = true
		if s.remoteTimer != nil {
			s.remoteTimer.Stop()
		}
		s.remoteTimer = s.clock.AfterFunc(s.cfg.TransitionWindow, func() {
			s.do(func() { s.remoteUpdate = false })
		})
		s.editContent = msg.Content
		s.lastSavedContent = msg.Content
		s.localTimestamp = msg.UpdatedAt
	}

	s.notes[idx].Content = msg.Content
	if t, err := time.Parse(TimestampFormat, msg.UpdatedAt); err == nil {
		s.notes[idx].UpdatedAt = t
	}
}

func (s *Session) applyRemoteCreate(msg Message) {
	if s.noteIndex(msg.NoteID) >= 0 {
		return
	}
	// The broadcast carries only the essentials; fetch the full row.
	n, err := s.cfg.Store.GetNote(s.ctx, msg.NoteID, s.cfg.UserID)
	if err != nil {
		log.Printf("load broadcast note %s: %v", msg.NoteID, err)
		n = store.Note{ID: msg.NoteID, UserID: s.cfg.UserID, CourseID: s.cfg.CourseID, Content: msg.Content}
		if t, perr := time.Parse(TimestampFormat, msg.UpdatedAt); perr == nil {
			n.UpdatedAt = t
		}
	}
	s.notes = append([]store.Note{n}, s.notes...)
}

func (s *Session) publish(msg Message) {
	if s.cfg.Bridge == nil {
		return
	}
	topic := CourseTopic(s.cfg.UserID, s.cfg.CourseID)
	if err := s.cfg.Bridge.Publish(s.ctx, topic, msg); err != nil {
		log.Printf("publish note message: %v", err)
	}
}

func (s *Session) noteIndex(noteID string) int {
	for i, n := range s.notes {
		if n.ID == noteID {
			return i
		}
	}
	return -1
}

func (s *Session) setNoteContent(noteID, content string, updatedAt time.Time) {
	if i := s.noteIndex(noteID); i >= 0 {
		s.notes[i].Content = content
		s.notes[i].UpdatedAt = updatedAt
	}
}

func (s *Session) removeNote(noteID string) {
	if i := s.noteIndex(noteID); i >= 0 {
		s.notes = append(s.notes[:i], s.notes[i+1:]...)
	}
	if s.selectedNoteID == noteID {
		s.cancelDebounce()
		s.selectedNoteID = ""
		s.contentOwnerID = ""
		s.editContent = ""
		s.lastSavedContent = ""
		s.localTimestamp = ""
	}
}

func (s *Session) cancelDebounce() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
}

func (s *Session) stopTimers() {
	s.cancelDebounce()
	if s.transitionTimer != nil {
		s.transitionTimer.Stop()
	}
	if s.remoteTimer != nil {
		s.remoteTimer.Stop()
	}
}
