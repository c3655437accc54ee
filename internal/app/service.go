package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"unlockmemory/api/internal/auth"
	"unlockmemory/api/internal/blocks"
	"unlockmemory/api/internal/export"
	"unlockmemory/api/internal/rbac"
	"unlockmemory/api/internal/richtext"
	"unlockmemory/api/internal/search"
	"unlockmemory/api/internal/settings"
	"unlockmemory/api/internal/store"
)

// Session is the authenticated caller, resolved from a bearer token.
type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

// dataStore is everything the service needs from persistence.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	EnsureUser(ctx context.Context, userID, displayName, role string) error

	GetPost(ctx context.Context, postID string) (store.Post, error)
	ListPosts(ctx context.Context, publishedOnly bool) ([]store.Post, error)
	InsertPost(ctx context.Context, p store.Post) (store.Post, error)
	UpdateDraftContent(ctx context.Context, postID, content string) error

	CreateVersion(ctx context.Context, v store.PostVersion) (store.PostVersion, error)
	CreatePublishedVersion(ctx context.Context, v store.PostVersion) (store.PostVersion, error)
	PublishExistingVersion(ctx context.Context, versionID string) (store.PostVersion, error)
	GetVersion(ctx context.Context, versionID string) (store.PostVersion, error)
	ListVersions(ctx context.Context, postID string) ([]store.PostVersion, error)
	WasEditedByAdmin(ctx context.Context, postID string, afterVersion int) (bool, error)

	InsertAnnotation(ctx context.Context, a store.Annotation) (store.Annotation, error)
	GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error)
	ListAnnotations(ctx context.Context, postID string) ([]store.Annotation, error)
	UpdateAnnotationStatus(ctx context.Context, annotationID, status string) (bool, error)
	DeleteAnnotation(ctx context.Context, annotationID string) error
	InsertReply(ctx context.Context, r store.AnnotationReply) (store.AnnotationReply, error)
	ListReplies(ctx context.Context, annotationID string) ([]store.AnnotationReply, error)
	GetReply(ctx context.Context, replyID string) (store.AnnotationReply, error)
	DeleteReply(ctx context.Context, replyID string) error

	ListNotes(ctx context.Context, userID, courseID string) ([]store.Note, error)
	GetNote(ctx context.Context, noteID, userID string) (store.Note, error)
	InsertNote(ctx context.Context, n store.Note) (store.Note, error)
	UpdateNoteContent(ctx context.Context, noteID, userID, content string, updatedAt time.Time) error
	UpdateNoteTitle(ctx context.Context, noteID, userID, title string) error
	DeleteNote(ctx context.Context, noteID, userID string) error

	ToggleReaction(ctx context.Context, kind, targetID, userID, sessionID, reactionType string) (string, error)
	ReactionCounts(ctx context.Context, kind, targetID string) (likes, dislikes int, err error)

	InsertComment(ctx context.Context, c store.Comment) (store.Comment, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListCommentForest(ctx context.Context, problemID string, approvedOnly bool) ([]store.Comment, error)
	SoftDeleteComment(ctx context.Context, commentID string) error
	SetCommentStatus(ctx context.Context, commentID, status string) error

	GetSettings(ctx context.Context, userID string) (string, error)
	SaveSettings(ctx context.Context, userID, blob string) error
}

// Service owns the domain rules over the store. searchSvc and
// exportSvc may be nil when those subsystems are not configured.
type Service struct {
	store       dataStore
	searchSvc   *search.Service
	exportSvc   *export.Service
	tokenSecret []byte
}

func NewService(ds dataStore, searchSvc *search.Service, exportSvc *export.Service, tokenSecret []byte) *Service {
	return &Service{
		store:       ds,
		searchSvc:   searchSvc,
		exportSvc:   exportSvc,
		tokenSecret: tokenSecret,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// SessionFromToken verifies the bearer token and mirrors the identity
// snapshot into the users table.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	role := rbac.Normalize(claims.Role)
	if err := s.store.EnsureUser(ctx, claims.Sub, claims.Name, string(role)); err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, Role: role}, nil
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

func (s *Service) require(role rbac.Role, action rbac.Action) error {
	if !rbac.Can(role, action) {
		return errForbidden
	}
	return nil
}

// ---- posts ----

const (
	editorRichtext = "richtext"
	editorLinear   = "linear"
	editorCanvas   = "canvas"
)

func validEditorType(t string) bool {
	return t == editorRichtext || t == editorLinear || t == editorCanvas
}

// ListPosts hides drafts from non-editor roles.
func (s *Service) ListPosts(ctx context.Context, session Session) ([]store.Post, error) {
	if err := s.require(session.Role, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListPosts(ctx, !rbac.IsEditorRole(session.Role))
}

func (s *Service) GetPost(ctx context.Context, session Session, postID string) (store.Post, error) {
	if err := s.require(session.Role, rbac.ActionRead); err != nil {
		return store.Post{}, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return store.Post{}, err
	}
	if post.Status != "published" && !rbac.IsEditorRole(session.Role) {
		return store.Post{}, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}
	return post, nil
}

// CreatePost creates a draft with empty content for its editor type
// plus the initial version 0.
func (s *Service) CreatePost(ctx context.Context, session Session, title, editorType, courseID string) (store.Post, error) {
	if err := s.require(session.Role, rbac.ActionEdit); err != nil {
		return store.Post{}, err
	}
	if strings.TrimSpace(title) == "" {
		return store.Post{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if editorType == "" {
		editorType = editorRichtext
	}
	if !validEditorType(editorType) {
		return store.Post{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown editor type", map[string]any{"editorType": editorType})
	}

	post, err := s.store.InsertPost(ctx, store.Post{
		CourseID:   courseID,
		Title:      title,
		Content:    emptyContent(editorType),
		EditorType: editorType,
	})
	if err != nil {
		return store.Post{}, err
	}

	_, err = s.store.CreateVersion(ctx, store.PostVersion{
		PostID:     post.ID,
		Content:    post.Content,
		EditorType: editorType,
		EditedBy:   session.UserID,
		EditorRole: string(session.Role),
	})
	if err != nil {
		return store.Post{}, fmt.Errorf("create initial version: %w", err)
	}

	s.indexPost(post)
	return post, nil
}

func emptyContent(editorType string) string {
	switch editorType {
	case editorLinear:
		return (&blocks.Linear{}).Serialize()
	case editorCanvas:
		return string(blocks.EmptyCanvas().Serialize())
	default:
		return string(richtext.Empty().Serialize())
	}
}

// ---- versions ----

// SaveDraft appends an unpublished version and updates the working
// copy on the post row.
func (s *Service) SaveDraft(ctx context.Context, session Session, postID, content, changeSummary string) (store.PostVersion, error) {
	if err := s.require(session.Role, rbac.ActionEdit); err != nil {
		return store.PostVersion{}, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return store.PostVersion{}, err
	}

	version, err := s.store.CreateVersion(ctx, store.PostVersion{
		PostID:        postID,
		Content:       canonicalContent(post.EditorType, content),
		EditorType:    post.EditorType,
		EditedBy:      session.UserID,
		EditorRole:    string(session.Role),
		ChangeSummary: changeSummary,
	})
	if err != nil {
		return store.PostVersion{}, err
	}
	if err := s.store.UpdateDraftContent(ctx, postID, version.Content); err != nil {
		return store.PostVersion{}, err
	}
	return version, nil
}

// canonicalContent normalizes incoming content for the editor type so
// stored versions are byte-stable.
func canonicalContent(editorType, content string) string {
	switch editorType {
	case editorLinear:
		return blocks.ParseLinear(content).Serialize()
	case editorCanvas:
		return string(blocks.ParseCanvas([]byte(content)).Serialize())
	default:
		return string(richtext.Load([]byte(content)).Serialize())
	}
}

// Publish either flips an existing version live or appends new
// content as the published version. Both paths are atomic in the
// store: exactly one version per post carries the published flag.
func (s *Service) Publish(ctx context.Context, session Session, postID, versionID, content string) (store.PostVersion, error) {
	if err := s.require(session.Role, rbac.ActionPublish); err != nil {
		return store.PostVersion{}, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return store.PostVersion{}, err
	}

	var version store.PostVersion
	if versionID != "" {
		version, err = s.store.GetVersion(ctx, versionID)
		if err != nil {
			return store.PostVersion{}, err
		}
		if version.PostID != postID {
			return store.PostVersion{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version belongs to another post", nil)
		}
		version, err = s.store.PublishExistingVersion(ctx, versionID)
	} else {
		version, err = s.store.CreatePublishedVersion(ctx, store.PostVersion{
			PostID:     postID,
			Content:    canonicalContent(post.EditorType, content),
			EditorType: post.EditorType,
			EditedBy:   session.UserID,
			EditorRole: string(session.Role),
		})
	}
	if err != nil {
		return store.PostVersion{}, err
	}

	post.Content = version.Content
	post.Status = "published"
	s.indexPost(post)
	return version, nil
}

// VersionView decorates a stored version for listing.
type VersionView struct {
	store.PostVersion
	EditedByName string
}

func (s *Service) ListVersions(ctx context.Context, session Session, postID string) ([]VersionView, error) {
	if err := s.require(session.Role, rbac.ActionEdit); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, postID)
	if err != nil {
		return nil, err
	}
	views := make([]VersionView, 0, len(versions))
	for _, v := range versions {
		view := VersionView{PostVersion: v}
		if u, err := s.store.GetUserByID(ctx, v.EditedBy); err == nil {
			view.EditedByName = u.DisplayName
		}
		views = append(views, view)
	}
	return views, nil
}

// Restore returns a version's stored content for the editor to adopt.
// Nothing is written: restoring becomes a new version only when the
// editor saves.
func (s *Service) Restore(ctx context.Context, session Session, postID, versionID string) (store.PostVersion, bool, error) {
	if err := s.require(session.Role, rbac.ActionEdit); err != nil {
		return store.PostVersion{}, false, err
	}
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.PostVersion{}, false, err
	}
	if version.PostID != postID {
		return store.PostVersion{}, false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version belongs to another post", nil)
	}
	adminEdited, err := s.store.WasEditedByAdmin(ctx, postID, version.VersionNumber)
	if err != nil {
		return store.PostVersion{}, false, err
	}
	return version, adminEdited, nil
}

// ---- annotations ----

// AnnotationView is a stored annotation plus the anchor check result.
type AnnotationView struct {
	store.Annotation
	Orphaned bool
	Replies  []store.AnnotationReply
}

func (s *Service) CreateAnnotation(ctx context.Context, session Session, a store.Annotation) (store.Annotation, error) {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return store.Annotation{}, err
	}
	if strings.TrimSpace(a.Comment) == "" {
		return store.Annotation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "comment is required", nil)
	}
	if len([]rune(a.SelectedText)) < 2 {
		return store.Annotation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selection must cover at least two characters", nil)
	}
	if a.SelectionEnd <= a.SelectionStart {
		return store.Annotation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selection range is empty", nil)
	}
	if _, err := s.store.GetPost(ctx, a.PostID); err != nil {
		return store.Annotation{}, err
	}
	a.AuthorID = session.UserID
	return s.store.InsertAnnotation(ctx, a)
}

// ListAnnotations returns annotations with their anchors re-validated
// against the post's current content. A drifted anchor marks the
// annotation orphaned; there is no fuzzy re-anchoring.
func (s *Service) ListAnnotations(ctx context.Context, session Session, postID string) ([]AnnotationView, error) {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	annotations, err := s.store.ListAnnotations(ctx, postID)
	if err != nil {
		return nil, err
	}

	views := make([]AnnotationView, 0, len(annotations))
	for _, a := range annotations {
		view := AnnotationView{Annotation: a, Orphaned: !anchorHolds(post.Content, a)}
		if replies, err := s.store.ListReplies(ctx, a.ID); err == nil {
			view.Replies = replies
		}
		views = append(views, view)
	}
	return views, nil
}

// anchorHolds re-derives the anchored text from current content and
// compares it to what the annotator selected.
func anchorHolds(content string, a store.Annotation) bool {
	if a.EditorType == "chat" && a.BubbleIndex != nil {
		text, err := blocks.BubbleText(content, *a.BubbleIndex)
		if err != nil {
			return false
		}
		runes := []rune(text)
		if a.SelectionStart < 0 || a.SelectionEnd > len(runes) || a.SelectionStart >= a.SelectionEnd {
			return false
		}
		return string(runes[a.SelectionStart:a.SelectionEnd]) == a.SelectedText
	}
	doc := richtext.Load([]byte(content))
	return doc.TextBetween(a.SelectionStart, a.SelectionEnd) == a.SelectedText
}

// SetAnnotationStatus transitions open -> resolved|dismissed.
func (s *Service) SetAnnotationStatus(ctx context.Context, session Session, annotationID, status string) (store.Annotation, error) {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return store.Annotation{}, err
	}
	if status != richtext.StatusResolved && status != richtext.StatusDismissed {
		return store.Annotation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be resolved or dismissed", nil)
	}
	updated, err := s.store.UpdateAnnotationStatus(ctx, annotationID, status)
	if err != nil {
		return store.Annotation{}, err
	}
	if !updated {
		a, err := s.store.GetAnnotation(ctx, annotationID)
		if err != nil {
			return store.Annotation{}, err
		}
		return store.Annotation{}, domainError(http.StatusConflict, "INVALID_TRANSITION",
			fmt.Sprintf("annotation is %s, only open annotations can transition", a.Status), nil)
	}
	a, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, err
	}
	s.syncAnnotationMark(ctx, a.PostID, func(doc *richtext.Doc) {
		doc.SetAnnotationStatus(annotationID, status)
	})
	return a, nil
}

// syncAnnotationMark mirrors an annotation lifecycle change into the
// highlight marks stored in the post content.
func (s *Service) syncAnnotationMark(ctx context.Context, postID string, mutate func(*richtext.Doc)) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil || post.EditorType != editorRichtext {
		return
	}
	doc := richtext.Load([]byte(post.Content))
	mutate(doc)
	_ = s.store.UpdateDraftContent(ctx, postID, string(doc.Serialize()))
}

// DeleteAnnotation removes an annotation and its replies. Authors may
// delete their own; moderators and admins may delete any.
func (s *Service) DeleteAnnotation(ctx context.Context, session Session, annotationID string) error {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return err
	}
	a, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return err
	}
	if a.AuthorID != session.UserID && !rbac.IsEditorRole(session.Role) {
		return errForbidden
	}
	if err := s.store.DeleteAnnotation(ctx, annotationID); err != nil {
		return err
	}
	s.syncAnnotationMark(ctx, a.PostID, func(doc *richtext.Doc) {
		doc.RemoveAnnotation(annotationID)
	})
	return nil
}

func (s *Service) CreateReply(ctx context.Context, session Session, annotationID, content string) (store.AnnotationReply, error) {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return store.AnnotationReply{}, err
	}
	if strings.TrimSpace(content) == "" {
		return store.AnnotationReply{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reply content is required", nil)
	}
	if _, err := s.store.GetAnnotation(ctx, annotationID); err != nil {
		return store.AnnotationReply{}, err
	}
	return s.store.InsertReply(ctx, store.AnnotationReply{
		AnnotationID: annotationID,
		AuthorID:     session.UserID,
		Content:      content,
	})
}

func (s *Service) ListAnnotationReplies(ctx context.Context, session Session, annotationID string) ([]store.AnnotationReply, error) {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return nil, err
	}
	return s.store.ListReplies(ctx, annotationID)
}

func (s *Service) DeleteReply(ctx context.Context, session Session, replyID string) error {
	if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
		return err
	}
	r, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return err
	}
	if r.AuthorID != session.UserID && !rbac.IsEditorRole(session.Role) {
		return errForbidden
	}
	return s.store.DeleteReply(ctx, replyID)
}

// ---- notes ----

func (s *Service) ListNotes(ctx context.Context, session Session, courseID string) ([]store.Note, error) {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return nil, err
	}
	return s.store.ListNotes(ctx, session.UserID, courseID)
}

func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (store.Note, error) {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return store.Note{}, err
	}
	return s.store.GetNote(ctx, noteID, session.UserID)
}

// CreateNote enforces the entity-type shape: lesson notes anchor to a
// lesson and take its title, standalone notes get a user title.
func (s *Service) CreateNote(ctx context.Context, session Session, n store.Note) (store.Note, error) {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return store.Note{}, err
	}
	switch n.EntityType {
	case "lesson":
		if n.LessonID == nil || *n.LessonID == "" {
			return store.Note{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "lesson notes require a lessonId", nil)
		}
		n.Title = ""
	case "user":
		n.LessonID = nil
		if strings.TrimSpace(n.Title) == "" {
			n.Title = "Untitled note"
		}
	default:
		return store.Note{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entityType must be lesson or user", nil)
	}
	n.UserID = session.UserID

	created, err := s.store.InsertNote(ctx, n)
	if err != nil {
		return store.Note{}, err
	}
	s.indexNote(created)
	return created, nil
}

// UpdateNoteContent is the HTTP autosave path for clients that do not
// hold a live sync session.
func (s *Service) UpdateNoteContent(ctx context.Context, session Session, noteID, content string, updatedAt time.Time) error {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return err
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if err := s.store.UpdateNoteContent(ctx, noteID, session.UserID, content, updatedAt); err != nil {
		return err
	}
	if n, err := s.store.GetNote(ctx, noteID, session.UserID); err == nil {
		s.indexNote(n)
	}
	return nil
}

func (s *Service) UpdateNoteTitle(ctx context.Context, session Session, noteID, title string) error {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	return s.store.UpdateNoteTitle(ctx, noteID, session.UserID, title)
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return err
	}
	if err := s.store.DeleteNote(ctx, noteID, session.UserID); err != nil {
		return err
	}
	if s.searchSvc != nil {
		s.searchSvc.DeleteNote(noteID)
	}
	return nil
}

// ---- reactions ----

// React toggles a like/dislike. Anonymous callers identify with a
// client-generated session id instead of a user id.
func (s *Service) React(ctx context.Context, session *Session, kind, targetID, anonSessionID, reactionType string) (map[string]any, error) {
	if reactionType != "like" && reactionType != "dislike" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reaction must be like or dislike", nil)
	}

	userID, sessionID := "", ""
	if session != nil {
		if err := s.require(session.Role, rbac.ActionNote); err != nil {
			return nil, err
		}
		userID = session.UserID
	} else {
		if strings.TrimSpace(anonSessionID) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionId is required for anonymous reactions", nil)
		}
		sessionID = anonSessionID
	}

	outcome, err := s.store.ToggleReaction(ctx, kind, targetID, userID, sessionID, reactionType)
	if err != nil {
		if errors.Is(err, store.ErrUnknownReactionTarget) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown reaction target", nil)
		}
		return nil, err
	}
	likes, dislikes, err := s.store.ReactionCounts(ctx, kind, targetID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"outcome":  outcome,
		"likes":    likes,
		"dislikes": dislikes,
	}, nil
}

// ---- problem comments ----

func (s *Service) CreateComment(ctx context.Context, session Session, problemID, parentID, content string) (store.Comment, error) {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return store.Comment{}, err
	}
	if strings.TrimSpace(content) == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	c := store.Comment{
		ProblemID: problemID,
		UserID:    session.UserID,
		Content:   content,
		Status:    "pending",
	}
	if parentID != "" {
		parent, err := s.store.GetComment(ctx, parentID)
		if err != nil {
			return store.Comment{}, err
		}
		if parent.ParentID != nil {
			// One level of threading only: replying to a reply
			// attaches to the top-level comment.
			c.ParentID = parent.ParentID
		} else {
			c.ParentID = &parent.ID
		}
	}
	// Moderators and admins post pre-approved.
	if rbac.IsEditorRole(session.Role) {
		c.Status = "approved"
	}
	return s.store.InsertComment(ctx, c)
}

// ListComments returns the comment forest. Moderators see everything;
// everyone else sees approved comments only.
func (s *Service) ListComments(ctx context.Context, session Session, problemID string) ([]store.Comment, error) {
	if err := s.require(session.Role, rbac.ActionRead); err != nil {
		return nil, err
	}
	approvedOnly := !rbac.Can(session.Role, rbac.ActionPublish)
	return s.store.ListCommentForest(ctx, problemID, approvedOnly)
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	if err := s.require(session.Role, rbac.ActionNote); err != nil {
		return err
	}
	c, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if c.UserID != session.UserID && !rbac.Can(session.Role, rbac.ActionPublish) {
		return errForbidden
	}
	return s.store.SoftDeleteComment(ctx, commentID)
}

func (s *Service) ModerateComment(ctx context.Context, session Session, commentID, status string) error {
	if err := s.require(session.Role, rbac.ActionPublish); err != nil {
		return err
	}
	if status != "approved" && status != "rejected" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be approved or rejected", nil)
	}
	return s.store.SetCommentStatus(ctx, commentID, status)
}

// ---- settings ----

func (s *Service) GetSettings(ctx context.Context, session Session) (settings.Settings, error) {
	blob, err := s.store.GetSettings(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	stored, err := settings.Parse(blob)
	if err != nil {
		// A corrupt blob resets to defaults rather than locking the
		// user out of the settings page.
		stored = settings.Settings{}
	}
	return settings.Merge(settings.Defaults(), stored), nil
}

func (s *Service) UpdateSettings(ctx context.Context, session Session, patch settings.Settings) (settings.Settings, error) {
	blob, err := s.store.GetSettings(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	stored, err := settings.Parse(blob)
	if err != nil {
		stored = settings.Settings{}
	}
	updated := settings.Apply(stored, patch)
	serialized, err := updated.Serialize()
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveSettings(ctx, session.UserID, serialized); err != nil {
		return nil, err
	}
	return settings.Merge(settings.Defaults(), updated), nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if err := s.require(session.Role, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.searchSvc == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	q.UserID = session.UserID
	q.PublishedOnly = !rbac.IsEditorRole(session.Role)
	return s.searchSvc.Search(q), nil
}

// ---- export ----

func (s *Service) Export(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if err := s.require(session.Role, rbac.ActionRead); err != nil {
		return nil, err
	}
	if req.IncludeAnnotations {
		if err := s.require(session.Role, rbac.ActionAnnotate); err != nil {
			return nil, err
		}
	}
	if s.exportSvc == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if _, err := s.GetPost(ctx, session, req.LessonID); err != nil {
		return nil, err
	}
	return s.exportSvc.Export(ctx, req)
}

// ---- search indexing helpers ----

func (s *Service) indexPost(p store.Post) {
	if s.searchSvc == nil {
		return
	}
	s.searchSvc.IndexLesson(search.LessonRecord{
		ID:       p.ID,
		Title:    p.Title,
		Body:     plainBody(p.EditorType, p.Content),
		CourseID: p.CourseID,
		Status:   p.Status,
	})
}

func (s *Service) indexNote(n store.Note) {
	if s.searchSvc == nil {
		return
	}
	lessonID := ""
	if n.LessonID != nil {
		lessonID = *n.LessonID
	}
	s.searchSvc.IndexNote(search.NoteRecord{
		ID:       n.ID,
		Title:    n.Title,
		Body:     n.Content,
		LessonID: lessonID,
		CourseID: n.CourseID,
		UserID:   n.UserID,
	})
}

// plainBody extracts searchable text from any editor type.
func plainBody(editorType, content string) string {
	switch editorType {
	case editorLinear:
		var parts []string
		for _, b := range blocks.ParseLinear(content).Blocks {
			parts = append(parts, blockPlainText(b.Kind, b.Content))
		}
		return strings.Join(parts, "\n")
	case editorCanvas:
		var parts []string
		for _, b := range blocks.ParseCanvas([]byte(content)).ReadingOrder() {
			parts = append(parts, blockPlainText(b.Kind, b.Content))
		}
		return strings.Join(parts, "\n")
	default:
		return richtext.Load([]byte(content)).PlainText()
	}
}

func blockPlainText(kind, content string) string {
	if kind == blocks.KindChat {
		var lines []string
		for _, b := range blocks.ParseChat(content) {
			lines = append(lines, b.Text)
		}
		return strings.Join(lines, "\n")
	}
	return richtext.Load([]byte(content)).PlainText()
}
