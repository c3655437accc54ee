package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"unlockmemory/api/internal/auth"
	"unlockmemory/api/internal/export"
	"unlockmemory/api/internal/rbac"
	"unlockmemory/api/internal/richtext"
	"unlockmemory/api/internal/search"
	"unlockmemory/api/internal/store"
)

var testSecret = []byte("test-secret")

type fakeStore struct {
	pingFn                   func(context.Context) error
	getUserByIDFn            func(context.Context, string) (store.User, error)
	ensureUserFn             func(context.Context, string, string, string) error
	getPostFn                func(context.Context, string) (store.Post, error)
	listPostsFn              func(context.Context, bool) ([]store.Post, error)
	insertPostFn             func(context.Context, store.Post) (store.Post, error)
	updateDraftContentFn     func(context.Context, string, string) error
	createVersionFn          func(context.Context, store.PostVersion) (store.PostVersion, error)
	createPublishedVersionFn func(context.Context, store.PostVersion) (store.PostVersion, error)
	publishExistingVersionFn func(context.Context, string) (store.PostVersion, error)
	getVersionFn             func(context.Context, string) (store.PostVersion, error)
	listVersionsFn           func(context.Context, string) ([]store.PostVersion, error)
	wasEditedByAdminFn       func(context.Context, string, int) (bool, error)
	insertAnnotationFn       func(context.Context, store.Annotation) (store.Annotation, error)
	getAnnotationFn          func(context.Context, string) (store.Annotation, error)
	listAnnotationsFn        func(context.Context, string) ([]store.Annotation, error)
	updateAnnotationStatusFn func(context.Context, string, string) (bool, error)
	deleteAnnotationFn       func(context.Context, string) error
	insertReplyFn            func(context.Context, store.AnnotationReply) (store.AnnotationReply, error)
	listRepliesFn            func(context.Context, string) ([]store.AnnotationReply, error)
	getReplyFn               func(context.Context, string) (store.AnnotationReply, error)
	deleteReplyFn            func(context.Context, string) error
	listNotesFn              func(context.Context, string, string) ([]store.Note, error)
	getNoteFn                func(context.Context, string, string) (store.Note, error)
	insertNoteFn             func(context.Context, store.Note) (store.Note, error)
	updateNoteContentFn      func(context.Context, string, string, string, time.Time) error
	updateNoteTitleFn        func(context.Context, string, string, string) error
	deleteNoteFn             func(context.Context, string, string) error
	toggleReactionFn         func(context.Context, string, string, string, string, string) (string, error)
	reactionCountsFn         func(context.Context, string, string) (int, int, error)
	insertCommentFn          func(context.Context, store.Comment) (store.Comment, error)
	getCommentFn             func(context.Context, string) (store.Comment, error)
	listCommentForestFn      func(context.Context, string, bool) ([]store.Comment, error)
	softDeleteCommentFn      func(context.Context, string) error
	setCommentStatusFn       func(context.Context, string, string) error
	getSettingsFn            func(context.Context, string) (string, error)
	saveSettingsFn           func(context.Context, string, string) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) EnsureUser(ctx context.Context, userID, displayName, role string) error {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, userID, displayName, role)
	}
	return nil
}
func (f *fakeStore) GetPost(ctx context.Context, postID string) (store.Post, error) {
	if f.getPostFn != nil {
		return f.getPostFn(ctx, postID)
	}
	return store.Post{}, sql.ErrNoRows
}
func (f *fakeStore) ListPosts(ctx context.Context, publishedOnly bool) ([]store.Post, error) {
	if f.listPostsFn != nil {
		return f.listPostsFn(ctx, publishedOnly)
	}
	return nil, nil
}
func (f *fakeStore) InsertPost(ctx context.Context, p store.Post) (store.Post, error) {
	if f.insertPostFn != nil {
		return f.insertPostFn(ctx, p)
	}
	p.ID = "post-1"
	return p, nil
}
func (f *fakeStore) UpdateDraftContent(ctx context.Context, postID, content string) error {
	if f.updateDraftContentFn != nil {
		return f.updateDraftContentFn(ctx, postID, content)
	}
	return nil
}
func (f *fakeStore) CreateVersion(ctx context.Context, v store.PostVersion) (store.PostVersion, error) {
	if f.createVersionFn != nil {
		return f.createVersionFn(ctx, v)
	}
	v.ID = "ver-1"
	return v, nil
}
func (f *fakeStore) CreatePublishedVersion(ctx context.Context, v store.PostVersion) (store.PostVersion, error) {
	if f.createPublishedVersionFn != nil {
		return f.createPublishedVersionFn(ctx, v)
	}
	v.ID = "ver-1"
	v.IsPublished = true
	return v, nil
}
func (f *fakeStore) PublishExistingVersion(ctx context.Context, versionID string) (store.PostVersion, error) {
	if f.publishExistingVersionFn != nil {
		return f.publishExistingVersionFn(ctx, versionID)
	}
	return store.PostVersion{}, sql.ErrNoRows
}
func (f *fakeStore) GetVersion(ctx context.Context, versionID string) (store.PostVersion, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, versionID)
	}
	return store.PostVersion{}, sql.ErrNoRows
}
func (f *fakeStore) ListVersions(ctx context.Context, postID string) ([]store.PostVersion, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, postID)
	}
	return nil, nil
}
func (f *fakeStore) WasEditedByAdmin(ctx context.Context, postID string, afterVersion int) (bool, error) {
	if f.wasEditedByAdminFn != nil {
		return f.wasEditedByAdminFn(ctx, postID, afterVersion)
	}
	return false, nil
}
func (f *fakeStore) InsertAnnotation(ctx context.Context, a store.Annotation) (store.Annotation, error) {
	if f.insertAnnotationFn != nil {
		return f.insertAnnotationFn(ctx, a)
	}
	a.ID = "ann-1"
	return a, nil
}
func (f *fakeStore) GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error) {
	if f.getAnnotationFn != nil {
		return f.getAnnotationFn(ctx, annotationID)
	}
	return store.Annotation{}, sql.ErrNoRows
}
func (f *fakeStore) ListAnnotations(ctx context.Context, postID string) ([]store.Annotation, error) {
	if f.listAnnotationsFn != nil {
		return f.listAnnotationsFn(ctx, postID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateAnnotationStatus(ctx context.Context, annotationID, status string) (bool, error) {
	if f.updateAnnotationStatusFn != nil {
		return f.updateAnnotationStatusFn(ctx, annotationID, status)
	}
	return true, nil
}
func (f *fakeStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	if f.deleteAnnotationFn != nil {
		return f.deleteAnnotationFn(ctx, annotationID)
	}
	return nil
}
func (f *fakeStore) InsertReply(ctx context.Context, r store.AnnotationReply) (store.AnnotationReply, error) {
	if f.insertReplyFn != nil {
		return f.insertReplyFn(ctx, r)
	}
	r.ID = "reply-1"
	return r, nil
}
func (f *fakeStore) ListReplies(ctx context.Context, annotationID string) ([]store.AnnotationReply, error) {
	if f.listRepliesFn != nil {
		return f.listRepliesFn(ctx, annotationID)
	}
	return nil, nil
}
func (f *fakeStore) GetReply(ctx context.Context, replyID string) (store.AnnotationReply, error) {
	if f.getReplyFn != nil {
		return f.getReplyFn(ctx, replyID)
	}
	return store.AnnotationReply{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteReply(ctx context.Context, replyID string) error {
	if f.deleteReplyFn != nil {
		return f.deleteReplyFn(ctx, replyID)
	}
	return nil
}
func (f *fakeStore) ListNotes(ctx context.Context, userID, courseID string) ([]store.Note, error) {
	if f.listNotesFn != nil {
		return f.listNotesFn(ctx, userID, courseID)
	}
	return nil, nil
}
func (f *fakeStore) GetNote(ctx context.Context, noteID, userID string) (store.Note, error) {
	if f.getNoteFn != nil {
		return f.getNoteFn(ctx, noteID, userID)
	}
	return store.Note{}, sql.ErrNoRows
}
func (f *fakeStore) InsertNote(ctx context.Context, n store.Note) (store.Note, error) {
	if f.insertNoteFn != nil {
		return f.insertNoteFn(ctx, n)
	}
	n.ID = "note-1"
	return n, nil
}
func (f *fakeStore) UpdateNoteContent(ctx context.Context, noteID, userID, content string, updatedAt time.Time) error {
	if f.updateNoteContentFn != nil {
		return f.updateNoteContentFn(ctx, noteID, userID, content, updatedAt)
	}
	return nil
}
func (f *fakeStore) UpdateNoteTitle(ctx context.Context, noteID, userID, title string) error {
	if f.updateNoteTitleFn != nil {
		return f.updateNoteTitleFn(ctx, noteID, userID, title)
	}
	return nil
}
func (f *fakeStore) DeleteNote(ctx context.Context, noteID, userID string) error {
	if f.deleteNoteFn != nil {
		return f.deleteNoteFn(ctx, noteID, userID)
	}
	return nil
}
func (f *fakeStore) ToggleReaction(ctx context.Context, kind, targetID, userID, sessionID, reactionType string) (string, error) {
	if f.toggleReactionFn != nil {
		return f.toggleReactionFn(ctx, kind, targetID, userID, sessionID, reactionType)
	}
	return "added", nil
}
func (f *fakeStore) ReactionCounts(ctx context.Context, kind, targetID string) (int, int, error) {
	if f.reactionCountsFn != nil {
		return f.reactionCountsFn(ctx, kind, targetID)
	}
	return 0, 0, nil
}
func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	c.ID = "comment-1"
	return c, nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListCommentForest(ctx context.Context, problemID string, approvedOnly bool) ([]store.Comment, error) {
	if f.listCommentForestFn != nil {
		return f.listCommentForestFn(ctx, problemID, approvedOnly)
	}
	return nil, nil
}
func (f *fakeStore) SoftDeleteComment(ctx context.Context, commentID string) error {
	if f.softDeleteCommentFn != nil {
		return f.softDeleteCommentFn(ctx, commentID)
	}
	return nil
}
func (f *fakeStore) SetCommentStatus(ctx context.Context, commentID, status string) error {
	if f.setCommentStatusFn != nil {
		return f.setCommentStatusFn(ctx, commentID, status)
	}
	return nil
}
func (f *fakeStore) GetSettings(ctx context.Context, userID string) (string, error) {
	if f.getSettingsFn != nil {
		return f.getSettingsFn(ctx, userID)
	}
	return "{}", nil
}
func (f *fakeStore) SaveSettings(ctx context.Context, userID, blob string) error {
	if f.saveSettingsFn != nil {
		return f.saveSettingsFn(ctx, userID, blob)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return NewService(fs, nil, nil, testSecret)
}

func sessionAs(role rbac.Role) Session {
	return Session{UserID: "user-1", UserName: "Rita", Role: role}
}

func wantDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

// paragraphContent builds a single-paragraph document whose text starts
// at position 1.
func paragraphContent(text string, marks ...richtext.Mark) string {
	doc := richtext.Empty()
	root := doc.Root()
	root.Content[0].Content = []*richtext.Node{{Type: richtext.TypeText, Text: text, Marks: marks}}
	return string(doc.Serialize())
}

func TestSessionFromTokenNormalizesRole(t *testing.T) {
	var gotUserID, gotRole string
	fs := &fakeStore{
		ensureUserFn: func(_ context.Context, userID, _, role string) error {
			gotUserID, gotRole = userID, role
			return nil
		},
	}
	svc := newTestService(fs)

	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub: "u-9", Name: "Kim", Role: "superuser",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	session, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if session.Role != rbac.RoleViewer {
		t.Fatalf("unknown role should normalize to viewer, got %s", session.Role)
	}
	if gotUserID != "u-9" || gotRole != "viewer" {
		t.Fatalf("user not mirrored: %s %s", gotUserID, gotRole)
	}
}

func TestCreatePostRequiresEditRole(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreatePost(context.Background(), sessionAs(rbac.RoleStudent), "Intro", "richtext", "course-1")
	wantDomainError(t, err, 403, "FORBIDDEN")
}

func TestCreatePostWritesInitialVersion(t *testing.T) {
	var inserted store.Post
	var version store.PostVersion
	fs := &fakeStore{
		insertPostFn: func(_ context.Context, p store.Post) (store.Post, error) {
			p.ID = "post-7"
			inserted = p
			return p, nil
		},
		createVersionFn: func(_ context.Context, v store.PostVersion) (store.PostVersion, error) {
			version = v
			v.ID = "ver-7"
			return v, nil
		},
	}
	svc := newTestService(fs)

	post, err := svc.CreatePost(context.Background(), sessionAs(rbac.RoleModerator), "Intro", "richtext", "course-1")
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if post.ID != "post-7" {
		t.Fatalf("unexpected post id %q", post.ID)
	}
	if inserted.Content != string(richtext.Empty().Serialize()) {
		t.Fatalf("new posts must start with an empty document, got %q", inserted.Content)
	}
	if version.PostID != "post-7" || version.Content != inserted.Content {
		t.Fatalf("initial version does not snapshot the post: %+v", version)
	}
	if version.EditorRole != "moderator" || version.EditedBy != "user-1" {
		t.Fatalf("version attribution wrong: %+v", version)
	}
}

func TestCreatePostRejectsUnknownEditorType(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreatePost(context.Background(), sessionAs(rbac.RoleAdmin), "Intro", "spreadsheet", "course-1")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestGetPostHidesDraftsFromNonEditors(t *testing.T) {
	fs := &fakeStore{
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", Status: "draft"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetPost(context.Background(), sessionAs(rbac.RoleStudent), "post-1")
	wantDomainError(t, err, 404, "NOT_FOUND")

	if _, err := svc.GetPost(context.Background(), sessionAs(rbac.RoleModerator), "post-1"); err != nil {
		t.Fatalf("moderator should see drafts: %v", err)
	}
}

func TestSaveDraftNormalizesAndUpdatesWorkingCopy(t *testing.T) {
	var savedVersion store.PostVersion
	var draftContent string
	fs := &fakeStore{
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", Status: "draft", EditorType: "richtext"}, nil
		},
		createVersionFn: func(_ context.Context, v store.PostVersion) (store.PostVersion, error) {
			savedVersion = v
			v.ID = "ver-2"
			return v, nil
		},
		updateDraftContentFn: func(_ context.Context, _, content string) error {
			draftContent = content
			return nil
		},
	}
	svc := newTestService(fs)

	raw := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hi"}]},{"type":"paragraph"}]}`
	version, err := svc.SaveDraft(context.Background(), sessionAs(rbac.RoleAdmin), "post-1", raw, "tidy up")
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	want := string(richtext.Load([]byte(raw)).Serialize())
	if savedVersion.Content != want {
		t.Fatalf("version content not canonicalized:\n%s\nwant\n%s", savedVersion.Content, want)
	}
	if draftContent != want {
		t.Fatalf("post working copy out of sync with version")
	}
	if version.ChangeSummary != "tidy up" {
		t.Fatalf("change summary lost: %+v", version)
	}
}

func TestPublishRejectsVersionFromAnotherPost(t *testing.T) {
	fs := &fakeStore{
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", EditorType: "richtext"}, nil
		},
		getVersionFn: func(context.Context, string) (store.PostVersion, error) {
			return store.PostVersion{ID: "ver-3", PostID: "other-post"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Publish(context.Background(), sessionAs(rbac.RoleAdmin), "post-1", "ver-3", "")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestPublishNewContentCreatesPublishedVersion(t *testing.T) {
	var published store.PostVersion
	fs := &fakeStore{
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", EditorType: "richtext"}, nil
		},
		createPublishedVersionFn: func(_ context.Context, v store.PostVersion) (store.PostVersion, error) {
			published = v
			v.ID = "ver-4"
			v.IsPublished = true
			v.VersionNumber = 3
			return v, nil
		},
	}
	svc := newTestService(fs)

	version, err := svc.Publish(context.Background(), sessionAs(rbac.RoleModerator), "post-1", "", paragraphContent("final"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !version.IsPublished {
		t.Fatalf("publish must return the live version")
	}
	if published.PostID != "post-1" || published.EditedBy != "user-1" {
		t.Fatalf("published version misattributed: %+v", published)
	}
}

func TestPublishRequiresPublishRole(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.Publish(context.Background(), sessionAs(rbac.RoleStudent), "post-1", "", "{}")
	wantDomainError(t, err, 403, "FORBIDDEN")
}

func TestRestoreIsReadOnlyAndFlagsAdminEdits(t *testing.T) {
	wrote := false
	fs := &fakeStore{
		getVersionFn: func(context.Context, string) (store.PostVersion, error) {
			return store.PostVersion{ID: "ver-2", PostID: "post-1", VersionNumber: 2, Content: "old"}, nil
		},
		wasEditedByAdminFn: func(_ context.Context, _ string, afterVersion int) (bool, error) {
			if afterVersion != 2 {
				return false, errors.New("wrong version bound")
			}
			return true, nil
		},
		updateDraftContentFn: func(context.Context, string, string) error {
			wrote = true
			return nil
		},
		createVersionFn: func(_ context.Context, v store.PostVersion) (store.PostVersion, error) {
			wrote = true
			return v, nil
		},
	}
	svc := newTestService(fs)

	version, adminEdited, err := svc.Restore(context.Background(), sessionAs(rbac.RoleModerator), "post-1", "ver-2")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if version.Content != "old" {
		t.Fatalf("restore must return the stored snapshot")
	}
	if !adminEdited {
		t.Fatalf("admin edits after the snapshot must be surfaced")
	}
	if wrote {
		t.Fatalf("restore must not write; only a later save creates a version")
	}
}

func TestCreateAnnotationValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := sessionAs(rbac.RoleModerator)

	cases := []struct {
		name string
		a    store.Annotation
	}{
		{"empty comment", store.Annotation{PostID: "post-1", SelectedText: "hi", SelectionStart: 1, SelectionEnd: 3}},
		{"one-char selection", store.Annotation{PostID: "post-1", SelectedText: "h", SelectionStart: 1, SelectionEnd: 2, Comment: "x"}},
		{"empty range", store.Annotation{PostID: "post-1", SelectedText: "hi", SelectionStart: 5, SelectionEnd: 5, Comment: "x"}},
	}
	for _, tc := range cases {
		_, err := svc.CreateAnnotation(context.Background(), session, tc.a)
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		wantDomainError(t, err, 422, "VALIDATION_ERROR")
	}
}

func TestCreateAnnotationStampsAuthor(t *testing.T) {
	var inserted store.Annotation
	fs := &fakeStore{
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", EditorType: "richtext"}, nil
		},
		insertAnnotationFn: func(_ context.Context, a store.Annotation) (store.Annotation, error) {
			inserted = a
			a.ID = "ann-1"
			return a, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateAnnotation(context.Background(), sessionAs(rbac.RoleModerator), store.Annotation{
		PostID: "post-1", SelectedText: "hello", SelectionStart: 1, SelectionEnd: 6,
		Comment: "unclear", AuthorID: "someone-else",
	})
	if err != nil {
		t.Fatalf("create annotation: %v", err)
	}
	if inserted.AuthorID != "user-1" {
		t.Fatalf("author must come from the session, got %q", inserted.AuthorID)
	}
}

func TestListAnnotationsMarksDriftedAnchorsOrphaned(t *testing.T) {
	content := paragraphContent("hello world")
	fs := &fakeStore{
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", EditorType: "richtext", Content: content}, nil
		},
		listAnnotationsFn: func(context.Context, string) ([]store.Annotation, error) {
			return []store.Annotation{
				{ID: "ann-keep", SelectionStart: 1, SelectionEnd: 6, SelectedText: "hello", EditorType: "richtext"},
				{ID: "ann-drift", SelectionStart: 1, SelectionEnd: 6, SelectedText: "howdy", EditorType: "richtext"},
			}, nil
		},
	}
	svc := newTestService(fs)

	views, err := svc.ListAnnotations(context.Background(), sessionAs(rbac.RoleModerator), "post-1")
	if err != nil {
		t.Fatalf("list annotations: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(views))
	}
	if views[0].Orphaned {
		t.Fatalf("intact anchor flagged orphaned")
	}
	if !views[1].Orphaned {
		t.Fatalf("drifted anchor not flagged orphaned")
	}
}

func TestSetAnnotationStatusRejectsClosedAnnotations(t *testing.T) {
	fs := &fakeStore{
		updateAnnotationStatusFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann-1", Status: "resolved"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.SetAnnotationStatus(context.Background(), sessionAs(rbac.RoleModerator), "ann-1", "dismissed")
	wantDomainError(t, err, 409, "INVALID_TRANSITION")
}

func TestSetAnnotationStatusSyncsHighlightMark(t *testing.T) {
	content := paragraphContent("hello world", richtext.AnnotationMark("ann-1", "open"))
	var savedContent string
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann-1", PostID: "post-1", Status: "resolved"}, nil
		},
		getPostFn: func(context.Context, string) (store.Post, error) {
			return store.Post{ID: "post-1", EditorType: "richtext", Content: content}, nil
		},
		updateDraftContentFn: func(_ context.Context, _, c string) error {
			savedContent = c
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.SetAnnotationStatus(context.Background(), sessionAs(rbac.RoleAdmin), "ann-1", "resolved"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if !strings.Contains(savedContent, `"status":"resolved"`) {
		t.Fatalf("highlight mark not updated in content: %s", savedContent)
	}
}

func TestModeratorMayDeleteOthersAnnotations(t *testing.T) {
	deleted := false
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, string) (store.Annotation, error) {
			return store.Annotation{ID: "ann-1", PostID: "post-1", AuthorID: "someone-else"}, nil
		},
		deleteAnnotationFn: func(context.Context, string) error {
			deleted = true
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.DeleteAnnotation(context.Background(), sessionAs(rbac.RoleModerator), "ann-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatalf("annotation not deleted")
	}
}

func TestCreateNoteEnforcesEntityShape(t *testing.T) {
	var inserted store.Note
	fs := &fakeStore{
		insertNoteFn: func(_ context.Context, n store.Note) (store.Note, error) {
			inserted = n
			n.ID = "note-1"
			return n, nil
		},
	}
	svc := newTestService(fs)
	session := sessionAs(rbac.RoleStudent)

	_, err := svc.CreateNote(context.Background(), session, store.Note{EntityType: "lesson", CourseID: "c-1"})
	wantDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.CreateNote(context.Background(), session, store.Note{EntityType: "bookmark", CourseID: "c-1"})
	wantDomainError(t, err, 422, "VALIDATION_ERROR")

	lessonID := "lesson-1"
	_, err = svc.CreateNote(context.Background(), session, store.Note{
		EntityType: "user", CourseID: "c-1", LessonID: &lessonID, Title: "  ",
	})
	if err != nil {
		t.Fatalf("create user note: %v", err)
	}
	if inserted.LessonID != nil {
		t.Fatalf("user notes must not keep a lesson anchor")
	}
	if inserted.Title != "Untitled note" {
		t.Fatalf("blank title should default, got %q", inserted.Title)
	}
	if inserted.UserID != "user-1" {
		t.Fatalf("note owner must come from the session")
	}

	_, err = svc.CreateNote(context.Background(), session, store.Note{
		EntityType: "lesson", CourseID: "c-1", LessonID: &lessonID, Title: "ignored",
	})
	if err != nil {
		t.Fatalf("create lesson note: %v", err)
	}
	if inserted.Title != "" {
		t.Fatalf("lesson notes take the lesson title, not their own")
	}
}

func TestReactValidatesInput(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := sessionAs(rbac.RoleStudent)

	_, err := svc.React(context.Background(), &session, "problem", "p-1", "", "love")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.React(context.Background(), nil, "problem", "p-1", "", "like")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestReactKeysAnonymousCallersBySessionID(t *testing.T) {
	var gotUserID, gotSessionID string
	fs := &fakeStore{
		toggleReactionFn: func(_ context.Context, _, _, userID, sessionID, _ string) (string, error) {
			gotUserID, gotSessionID = userID, sessionID
			return "added", nil
		},
		reactionCountsFn: func(context.Context, string, string) (int, int, error) {
			return 3, 1, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.React(context.Background(), nil, "problem", "p-1", "anon-77", "like")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if gotUserID != "" || gotSessionID != "anon-77" {
		t.Fatalf("anonymous reaction must key by session id: user=%q session=%q", gotUserID, gotSessionID)
	}
	if payload["likes"] != 3 || payload["dislikes"] != 1 || payload["outcome"] != "added" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestReactRejectsUnknownTarget(t *testing.T) {
	fs := &fakeStore{
		toggleReactionFn: func(context.Context, string, string, string, string, string) (string, error) {
			return "", store.ErrUnknownReactionTarget
		},
	}
	svc := newTestService(fs)
	session := sessionAs(rbac.RoleStudent)

	_, err := svc.React(context.Background(), &session, "vote", "x-1", "", "like")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestReplyToReplyAttachesToTopLevelComment(t *testing.T) {
	topID := "comment-top"
	var inserted store.Comment
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.Comment, error) {
			if commentID == "comment-reply" {
				return store.Comment{ID: "comment-reply", ParentID: &topID}, nil
			}
			return store.Comment{ID: topID}, nil
		},
		insertCommentFn: func(_ context.Context, c store.Comment) (store.Comment, error) {
			inserted = c
			c.ID = "comment-new"
			return c, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateComment(context.Background(), sessionAs(rbac.RoleStudent), "p-1", "comment-reply", "me too")
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if inserted.ParentID == nil || *inserted.ParentID != topID {
		t.Fatalf("reply-to-reply must reattach to the top-level comment, got %v", inserted.ParentID)
	}
	if inserted.Status != "pending" {
		t.Fatalf("student comments start pending, got %q", inserted.Status)
	}
}

func TestModeratorCommentsArePreApproved(t *testing.T) {
	var inserted store.Comment
	fs := &fakeStore{
		insertCommentFn: func(_ context.Context, c store.Comment) (store.Comment, error) {
			inserted = c
			return c, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreateComment(context.Background(), sessionAs(rbac.RoleModerator), "p-1", "", "noted"); err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if inserted.Status != "approved" {
		t.Fatalf("moderator comments post approved, got %q", inserted.Status)
	}
}

func TestModerateCommentValidation(t *testing.T) {
	svc := newTestService(&fakeStore{})

	err := svc.ModerateComment(context.Background(), sessionAs(rbac.RoleStudent), "c-1", "approved")
	wantDomainError(t, err, 403, "FORBIDDEN")

	err = svc.ModerateComment(context.Background(), sessionAs(rbac.RoleModerator), "c-1", "hidden")
	wantDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestListCommentsScopesToApprovedForStudents(t *testing.T) {
	var gotApprovedOnly bool
	fs := &fakeStore{
		listCommentForestFn: func(_ context.Context, _ string, approvedOnly bool) ([]store.Comment, error) {
			gotApprovedOnly = approvedOnly
			return nil, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ListComments(context.Background(), sessionAs(rbac.RoleStudent), "p-1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !gotApprovedOnly {
		t.Fatalf("students must only see approved comments")
	}

	if _, err := svc.ListComments(context.Background(), sessionAs(rbac.RoleModerator), "p-1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotApprovedOnly {
		t.Fatalf("moderators see the full forest")
	}
}

func TestGetSettingsRecoversFromCorruptBlob(t *testing.T) {
	fs := &fakeStore{
		getSettingsFn: func(context.Context, string) (string, error) {
			return "not json at all", nil
		},
	}
	svc := newTestService(fs)

	merged, err := svc.GetSettings(context.Background(), sessionAs(rbac.RoleStudent))
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if merged["codeEditor"]["indentationType"] != "spaces" {
		t.Fatalf("defaults missing after corrupt blob: %v", merged)
	}
}

func TestUpdateSettingsPersistsOnlyOverrides(t *testing.T) {
	var savedBlob string
	fs := &fakeStore{
		saveSettingsFn: func(_ context.Context, _, blob string) error {
			savedBlob = blob
			return nil
		},
	}
	svc := newTestService(fs)

	merged, err := svc.UpdateSettings(context.Background(), sessionAs(rbac.RoleStudent), map[string]map[string]any{
		"codeEditor": {"fontFamily": "monospace"},
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if merged["codeEditor"]["fontFamily"] != "monospace" {
		t.Fatalf("override not reflected: %v", merged)
	}
	if !strings.Contains(savedBlob, `"monospace"`) {
		t.Fatalf("override not persisted: %s", savedBlob)
	}
	if strings.Contains(savedBlob, "showMatchingBrackets") {
		t.Fatalf("untouched defaults must not be persisted: %s", savedBlob)
	}
}

func TestSearchWithoutBackendReturnsEmpty(t *testing.T) {
	svc := newTestService(&fakeStore{})
	resp, err := svc.Search(context.Background(), sessionAs(rbac.RoleStudent), search.Query{Text: "casting"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 0 || resp.Query != "casting" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestExportWithoutBackendIsUnavailable(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.Export(context.Background(), sessionAs(rbac.RoleStudent), export.Request{LessonID: "post-1", Format: export.FormatPDF})
	wantDomainError(t, err, 503, "EXPORT_UNAVAILABLE")
}
