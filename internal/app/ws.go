package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"unlockmemory/api/internal/notes"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the bearer token; the socket carries
		// only the caller's own note traffic.
		return true
	},
}

// handleNotesSync relays the caller's course note topic over a
// websocket. Inbound frames are published to the bridge so other tabs
// (and other nodes) see the write; outbound frames are bridge
// deliveries for the subscribed course.
func (s *HTTPServer) handleNotesSync(w http.ResponseWriter, r *http.Request, session Session) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Note sync is not configured", nil)
		return
	}
	courseID := strings.TrimSpace(r.URL.Query().Get("courseId"))
	if courseID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "courseId is required", nil)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan notes.Message, 32)
	topic := notes.CourseTopic(session.UserID, courseID)
	unsubscribe, err := s.bridge.Subscribe(ctx, topic, func(msg notes.Message) {
		select {
		case outbound <- msg:
		default:
			// Slow consumer; the tab reconciles on next load.
		}
	})
	if err != nil {
		log.Printf("notes sync subscribe %s: %v", topic, err)
		return
	}
	defer unsubscribe()

	go s.wsWriteLoop(ctx, conn, outbound)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg notes.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("notes sync read: %v", err)
			}
			return
		}
		if msg.V != 1 || msg.NoteID == "" {
			continue
		}
		if err := s.bridge.Publish(ctx, topic, msg); err != nil {
			log.Printf("notes sync publish %s: %v", topic, err)
		}
		if err := s.bridge.Publish(ctx, notes.NoteTopic(session.UserID, msg.NoteID), msg); err != nil {
			log.Printf("notes sync publish note %s: %v", msg.NoteID, err)
		}
	}
}

func (s *HTTPServer) wsWriteLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan notes.Message) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
