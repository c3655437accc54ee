package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"unlockmemory/api/internal/auth"
	"unlockmemory/api/internal/export"
	"unlockmemory/api/internal/notes"
	"unlockmemory/api/internal/search"
	"unlockmemory/api/internal/settings"
	"unlockmemory/api/internal/store"
)

// SyncTuning is the autosave timing handed to clients at session
// bootstrap, so every tab debounces the way the server expects.
type SyncTuning struct {
	Debounce         time.Duration
	TransitionWindow time.Duration
}

type HTTPServer struct {
	service    *Service
	bridge     notes.Bridge
	corsOrigin string
	tuning     SyncTuning
}

func NewHTTPServer(service *Service, bridge notes.Bridge, corsOrigin string, tuning SyncTuning) *HTTPServer {
	if tuning.Debounce <= 0 {
		tuning.Debounce = time.Second
	}
	if tuning.TransitionWindow <= 0 {
		tuning.TransitionWindow = 100 * time.Millisecond
	}
	return &HTTPServer{service: service, bridge: bridge, corsOrigin: corsOrigin, tuning: tuning}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
			"noteSync": map[string]any{
				"debounceMs":         s.tuning.Debounce.Milliseconds(),
				"transitionWindowMs": s.tuning.TransitionWindow.Milliseconds(),
			},
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// Reactions accept anonymous callers keyed by a client session id,
	// so they dispatch before the session gate.
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[3] == "reactions" &&
		(parts[1] == "problems" || parts[1] == "comments") {
		s.handleReaction(w, r, strings.TrimSuffix(parts[1], "s"), parts[2])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/notes/sync" {
		s.handleNotesSync(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}

	if r.URL.Path == "/api/settings" {
		s.handleSettings(w, r, session)
		return
	}

	if r.URL.Path == "/api/posts" {
		switch r.Method {
		case http.MethodGet:
			posts, err := s.service.ListPosts(r.Context(), session)
			if err != nil {
				writeMapped(w, err)
				return
			}
			items := make([]map[string]any, 0, len(posts))
			for _, p := range posts {
				items = append(items, postJSON(p))
			}
			writeJSON(w, http.StatusOK, map[string]any{"posts": items})
		case http.MethodPost:
			var body struct {
				Title      string `json:"title"`
				EditorType string `json:"editorType"`
				CourseID   string `json:"courseId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			post, err := s.service.CreatePost(r.Context(), session, body.Title, body.EditorType, body.CourseID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, postJSON(post))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "posts" {
		s.handlePosts(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "annotations" {
		s.handleAnnotations(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "notes" {
		s.handleNotes(w, r, session, parts[2:])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "problems" && parts[3] == "comments" {
		s.handleComments(w, r, session, parts[2])
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "comments" {
		commentID := parts[2]
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteComment(r.Context(), session, commentID); err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "comments" && parts[3] == "status" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ModerateComment(r.Context(), session, parts[2], body.Status); err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handlePosts dispatches /api/posts/{id}[/...].
func (s *HTTPServer) handlePosts(w http.ResponseWriter, r *http.Request, session Session, postID string, rest []string) {
	if len(rest) == 0 {
		if r.Method == http.MethodGet {
			post, err := s.service.GetPost(r.Context(), session, postID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, postJSON(post))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch rest[0] {
	case "versions":
		s.handleVersions(w, r, session, postID, rest[1:])
	case "annotations":
		switch r.Method {
		case http.MethodGet:
			views, err := s.service.ListAnnotations(r.Context(), session, postID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			items := make([]map[string]any, 0, len(views))
			for _, v := range views {
				items = append(items, annotationViewJSON(v))
			}
			writeJSON(w, http.StatusOK, map[string]any{"annotations": items})
		case http.MethodPost:
			var body struct {
				VersionID      string `json:"versionId"`
				SelectionStart int    `json:"selectionStart"`
				SelectionEnd   int    `json:"selectionEnd"`
				SelectedText   string `json:"selectedText"`
				Comment        string `json:"comment"`
				BubbleIndex    *int   `json:"bubbleIndex"`
				EditorType     string `json:"editorType"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			annotation := store.Annotation{
				PostID:         postID,
				SelectionStart: body.SelectionStart,
				SelectionEnd:   body.SelectionEnd,
				SelectedText:   body.SelectedText,
				Comment:        body.Comment,
				BubbleIndex:    body.BubbleIndex,
				EditorType:     body.EditorType,
			}
			if body.VersionID != "" {
				annotation.VersionID = &body.VersionID
			}
			created, err := s.service.CreateAnnotation(r.Context(), session, annotation)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, annotationJSON(created))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
	case "export":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Format             string `json:"format"`
			IncludeAnnotations bool   `json:"includeAnnotations"`
			CourseName         string `json:"courseName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		format := export.Format(body.Format)
		if format == "" {
			format = export.FormatPDF
		}
		result, err := s.service.Export(r.Context(), session, export.Request{
			LessonID:           postID,
			Format:             format,
			IncludeAnnotations: body.IncludeAnnotations,
			CourseName:         body.CourseName,
		})
		if err != nil {
			writeMapped(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleVersions dispatches /api/posts/{id}/versions[/...].
func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, postID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			views, err := s.service.ListVersions(r.Context(), session, postID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			items := make([]map[string]any, 0, len(views))
			for _, v := range views {
				item := versionJSON(v.PostVersion)
				item["editedByName"] = v.EditedByName
				items = append(items, item)
			}
			writeJSON(w, http.StatusOK, map[string]any{"versions": items})
		case http.MethodPost:
			var body struct {
				Content       string `json:"content"`
				ChangeSummary string `json:"changeSummary"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			version, err := s.service.SaveDraft(r.Context(), session, postID, body.Content, body.ChangeSummary)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, versionJSON(version))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "publish" && r.Method == http.MethodPost {
		var body struct {
			VersionID string `json:"versionId"`
			Content   string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := s.service.Publish(r.Context(), session, postID, body.VersionID, body.Content)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versionJSON(version))
		return
	}

	if len(rest) == 2 && rest[1] == "restore" && r.Method == http.MethodPost {
		version, adminEdited, err := s.service.Restore(r.Context(), session, postID, rest[0])
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":            versionJSON(version),
			"editedByAdminSince": adminEdited,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleAnnotations dispatches /api/annotations/{id}[/...].
func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, session Session, annotationID string, rest []string) {
	if len(rest) == 0 {
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteAnnotation(r.Context(), session, annotationID); err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch rest[0] {
	case "resolve", "dismiss":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		status := "resolved"
		if rest[0] == "dismiss" {
			status = "dismissed"
		}
		updated, err := s.service.SetAnnotationStatus(r.Context(), session, annotationID, status)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, annotationJSON(updated))
	case "replies":
		switch r.Method {
		case http.MethodGet:
			replies, err := s.service.ListAnnotationReplies(r.Context(), session, annotationID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			items := make([]map[string]any, 0, len(replies))
			for _, reply := range replies {
				items = append(items, replyJSON(reply))
			}
			writeJSON(w, http.StatusOK, map[string]any{"replies": items})
		case http.MethodPost:
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			reply, err := s.service.CreateReply(r.Context(), session, annotationID, body.Content)
			if err != nil {
				writeMapped(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, replyJSON(reply))
		case http.MethodDelete:
			if len(rest) == 2 {
				if err := s.service.DeleteReply(r.Context(), session, rest[1]); err != nil {
					writeMapped(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleNotes dispatches /api/notes[/{id}].
func (s *HTTPServer) handleNotes(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			courseID := strings.TrimSpace(r.URL.Query().Get("courseId"))
			list, err := s.service.ListNotes(r.Context(), session, courseID)
			if err != nil {
				writeMapped(w, err)
				return
			}
			items := make([]map[string]any, 0, len(list))
			for _, n := range list {
				items = append(items, noteJSON(n))
			}
			writeJSON(w, http.StatusOK, map[string]any{"notes": items})
		case http.MethodPost:
			var body struct {
				LessonID   *string `json:"lessonId"`
				CourseID   string  `json:"courseId"`
				EntityType string  `json:"entityType"`
				Title      string  `json:"title"`
				Content    string  `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			created, err := s.service.CreateNote(r.Context(), session, store.Note{
				LessonID:   body.LessonID,
				CourseID:   body.CourseID,
				EntityType: body.EntityType,
				Title:      body.Title,
				Content:    body.Content,
			})
			if err != nil {
				writeMapped(w, err)
				return
			}
			s.broadcast(r.Context(), session.UserID, notes.Message{
				V: 1, Type: notes.MessageCreated, NoteID: created.ID,
				Content: created.Content, UpdatedAt: notes.FormatTimestamp(created.UpdatedAt),
			}, created.CourseID)
			writeJSON(w, http.StatusCreated, noteJSON(created))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	noteID := rest[0]
	switch r.Method {
	case http.MethodGet:
		note, err := s.service.GetNote(r.Context(), session, noteID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, noteJSON(note))
	case http.MethodPut:
		var body struct {
			Content   *string `json:"content"`
			Title     *string `json:"title"`
			UpdatedAt string  `json:"updatedAt"`
			Writer    string  `json:"writer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Content != nil {
			updatedAt := time.Now().UTC()
			if body.UpdatedAt != "" {
				if parsed, err := time.Parse(notes.TimestampFormat, body.UpdatedAt); err == nil {
					updatedAt = parsed
				}
			}
			if err := s.service.UpdateNoteContent(r.Context(), session, noteID, *body.Content, updatedAt); err != nil {
				writeMapped(w, err)
				return
			}
			note, err := s.service.GetNote(r.Context(), session, noteID)
			if err == nil {
				s.broadcast(r.Context(), session.UserID, notes.Message{
					V: 1, Type: notes.MessageUpdate, NoteID: noteID,
					Content: *body.Content, UpdatedAt: notes.FormatTimestamp(updatedAt),
					Writer: body.Writer,
				}, note.CourseID)
			}
		}
		if body.Title != nil {
			if err := s.service.UpdateNoteTitle(r.Context(), session, noteID, *body.Title); err != nil {
				writeMapped(w, err)
				return
			}
		}
		note, err := s.service.GetNote(r.Context(), session, noteID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, noteJSON(note))
	case http.MethodDelete:
		note, err := s.service.GetNote(r.Context(), session, noteID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		if err := s.service.DeleteNote(r.Context(), session, noteID); err != nil {
			writeMapped(w, err)
			return
		}
		s.broadcast(r.Context(), session.UserID, notes.Message{
			V: 1, Type: notes.MessageDeleted, NoteID: noteID,
		}, note.CourseID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// broadcast fans a note event out to the user's note topic and the
// course topic. Best effort; a miss heals on next load.
func (s *HTTPServer) broadcast(ctx context.Context, userID string, msg notes.Message, courseID string) {
	if s.bridge == nil {
		return
	}
	if err := s.bridge.Publish(ctx, notes.NoteTopic(userID, msg.NoteID), msg); err != nil {
		log.Printf("broadcast note %s: %v", msg.NoteID, err)
	}
	if courseID != "" {
		if err := s.bridge.Publish(ctx, notes.CourseTopic(userID, courseID), msg); err != nil {
			log.Printf("broadcast course %s: %v", courseID, err)
		}
	}
}

func (s *HTTPServer) handleReaction(w http.ResponseWriter, r *http.Request, kind, targetID string) {
	var body struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var session *Session
	if token := bearerToken(r); token != "" {
		parsed, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session = &parsed
	}

	payload, err := s.service.React(r.Context(), session, kind, targetID, body.SessionID, body.Type)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, problemID string) {
	switch r.Method {
	case http.MethodGet:
		forest, err := s.service.ListComments(r.Context(), session, problemID)
		if err != nil {
			writeMapped(w, err)
			return
		}
		items := make([]map[string]any, 0, len(forest))
		for _, c := range forest {
			items = append(items, commentJSON(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": items})
	case http.MethodPost:
		var body struct {
			Content  string `json:"content"`
			ParentID string `json:"parentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateComment(r.Context(), session, problemID, body.ParentID, body.Content)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, commentJSON(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	filterType := strings.TrimSpace(r.URL.Query().Get("type"))
	courseID := strings.TrimSpace(r.URL.Query().Get("courseId"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	payload, err := s.service.Search(r.Context(), session, search.Query{
		Text:           q,
		FilterType:     search.ResultType(filterType),
		FilterCourseID: courseID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		merged, err := s.service.GetSettings(r.Context(), session)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": merged})
	case http.MethodPut:
		var patch settings.Settings
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		merged, err := s.service.UpdateSettings(r.Context(), session, patch)
		if err != nil {
			writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": merged})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF renderer unavailable", nil
	}
	if errors.Is(err, export.ErrContentUnavailable) {
		return http.StatusNotFound, "NOT_FOUND", "Lesson content unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Payload builders keep the wire shapes camelCase and independent of
// the store structs.

func postJSON(p store.Post) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"courseId":    p.CourseID,
		"title":       p.Title,
		"content":     p.Content,
		"editorType":  p.EditorType,
		"status":      p.Status,
		"publishedAt": p.PublishedAt,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
}

func versionJSON(v store.PostVersion) map[string]any {
	return map[string]any{
		"id":            v.ID,
		"postId":        v.PostID,
		"versionNumber": v.VersionNumber,
		"content":       v.Content,
		"editorType":    v.EditorType,
		"editedBy":      v.EditedBy,
		"editorRole":    v.EditorRole,
		"isPublished":   v.IsPublished,
		"changeSummary": v.ChangeSummary,
		"createdAt":     v.CreatedAt,
	}
}

func annotationJSON(a store.Annotation) map[string]any {
	return map[string]any{
		"id":             a.ID,
		"postId":         a.PostID,
		"versionId":      a.VersionID,
		"authorId":       a.AuthorID,
		"selectionStart": a.SelectionStart,
		"selectionEnd":   a.SelectionEnd,
		"selectedText":   a.SelectedText,
		"comment":        a.Comment,
		"status":         a.Status,
		"bubbleIndex":    a.BubbleIndex,
		"editorType":     a.EditorType,
		"createdAt":      a.CreatedAt,
		"updatedAt":      a.UpdatedAt,
	}
}

func annotationViewJSON(v AnnotationView) map[string]any {
	payload := annotationJSON(v.Annotation)
	payload["orphaned"] = v.Orphaned
	replies := make([]map[string]any, 0, len(v.Replies))
	for _, reply := range v.Replies {
		replies = append(replies, replyJSON(reply))
	}
	payload["replies"] = replies
	return payload
}

func replyJSON(r store.AnnotationReply) map[string]any {
	return map[string]any{
		"id":           r.ID,
		"annotationId": r.AnnotationID,
		"authorId":     r.AuthorID,
		"content":      r.Content,
		"createdAt":    r.CreatedAt,
		"updatedAt":    r.UpdatedAt,
	}
}

func noteJSON(n store.Note) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"userId":      n.UserID,
		"courseId":    n.CourseID,
		"lessonId":    n.LessonID,
		"entityType":  n.EntityType,
		"title":       n.Title,
		"lessonTitle": n.LessonTitle,
		"content":     n.Content,
		"createdAt":   n.CreatedAt,
		"updatedAt":   n.UpdatedAt,
	}
}

func commentJSON(c store.Comment) map[string]any {
	replies := make([]map[string]any, 0, len(c.Replies))
	for _, reply := range c.Replies {
		replies = append(replies, commentJSON(reply))
	}
	content := c.Content
	if c.DeletedAt != nil {
		content = ""
	}
	return map[string]any{
		"id":         c.ID,
		"problemId":  c.ProblemID,
		"userId":     c.UserID,
		"parentId":   c.ParentID,
		"content":    content,
		"status":     c.Status,
		"deleted":    c.DeletedAt != nil,
		"authorName": c.AuthorName,
		"createdAt":  c.CreatedAt,
		"updatedAt":  c.UpdatedAt,
		"replies":    replies,
	}
}
