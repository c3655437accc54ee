package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, role, created_at FROM users WHERE id=$1`, userID,
	).Scan(&u.ID, &u.DisplayName, &u.Role, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// EnsureUser upserts the identity-service snapshot of a user. Called
// on first sight of a token subject.
func (s *PostgresStore) EnsureUser(ctx context.Context, userID, displayName, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, role=EXCLUDED.role
	`, userID, displayName, role)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// ---- posts ----

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	var p Post
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(course_id::text, ''), title, content, editor_type, status, published_at, created_at, updated_at
		FROM posts WHERE id=$1
	`, postID).Scan(&p.ID, &p.CourseID, &p.Title, &p.Content, &p.EditorType, &p.Status, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, publishedOnly bool) ([]Post, error) {
	query := `
		SELECT id, COALESCE(course_id::text, ''), title, content, editor_type, status, published_at, created_at, updated_at
		FROM posts
	`
	if publishedOnly {
		query += ` WHERE status='published'`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.CourseID, &p.Title, &p.Content, &p.EditorType, &p.Status, &p.PublishedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *PostgresStore) InsertPost(ctx context.Context, p Post) (Post, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (course_id, title, content, editor_type, status)
		VALUES (NULLIF($1,'')::uuid, $2, $3, $4, 'draft')
		RETURNING id, created_at, updated_at
	`, p.CourseID, p.Title, p.Content, p.EditorType).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	p.Status = "draft"
	return p, nil
}

// UpdateDraftContent saves working content on the post row without
// touching publication state.
func (s *PostgresStore) UpdateDraftContent(ctx context.Context, postID, content string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET content=$2, updated_at=NOW() WHERE id=$1
	`, postID, content)
	if err != nil {
		return fmt.Errorf("update draft content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- post versions ----

// CreateVersion appends the next version for a post. The version
// number is assigned inside the transaction, so numbers stay
// contiguous under concurrent saves.
func (s *PostgresStore) CreateVersion(ctx context.Context, v PostVersion) (PostVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PostVersion{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := insertNextVersion(ctx, tx, v)
	if err != nil {
		return PostVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return PostVersion{}, fmt.Errorf("commit version: %w", err)
	}
	return created, nil
}

// CreatePublishedVersion appends the next version marked published,
// unpublishes every other version, and updates the live post row —
// all in one transaction.
func (s *PostgresStore) CreatePublishedVersion(ctx context.Context, v PostVersion) (PostVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PostVersion{}, fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE post_versions SET is_published=FALSE WHERE post_id=$1`, v.PostID,
	); err != nil {
		return PostVersion{}, fmt.Errorf("unpublish versions: %w", err)
	}

	v.IsPublished = true
	created, err := insertNextVersion(ctx, tx, v)
	if err != nil {
		return PostVersion{}, err
	}

	if err := publishPostRow(ctx, tx, v.PostID, v.Content); err != nil {
		return PostVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return PostVersion{}, fmt.Errorf("commit publish: %w", err)
	}
	return created, nil
}

// PublishExistingVersion flips the published flag to the named
// version and syncs the post row atomically.
func (s *PostgresStore) PublishExistingVersion(ctx context.Context, versionID string) (PostVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PostVersion{}, fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var v PostVersion
	err = tx.QueryRowContext(ctx, `
		SELECT id, post_id, version_number, content, editor_type, edited_by, editor_role, is_published, COALESCE(change_summary,''), created_at
		FROM post_versions WHERE id=$1
	`, versionID).Scan(&v.ID, &v.PostID, &v.VersionNumber, &v.Content, &v.EditorType, &v.EditedBy, &v.EditorRole, &v.IsPublished, &v.ChangeSummary, &v.CreatedAt)
	if err != nil {
		return PostVersion{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE post_versions SET is_published=FALSE WHERE post_id=$1 AND id <> $2`, v.PostID, v.ID,
	); err != nil {
		return PostVersion{}, fmt.Errorf("unpublish versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE post_versions SET is_published=TRUE WHERE id=$1`, v.ID,
	); err != nil {
		return PostVersion{}, fmt.Errorf("publish version: %w", err)
	}
	if err := publishPostRow(ctx, tx, v.PostID, v.Content); err != nil {
		return PostVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return PostVersion{}, fmt.Errorf("commit publish: %w", err)
	}
	v.IsPublished = true
	return v, nil
}

func insertNextVersion(ctx context.Context, tx *sql.Tx, v PostVersion) (PostVersion, error) {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO post_versions (post_id, version_number, content, editor_type, edited_by, editor_role, is_published, change_summary)
		SELECT $1, COALESCE(MAX(version_number)+1, 0), $2, $3, $4, $5, $6, NULLIF($7,'')
		FROM post_versions WHERE post_id=$1
		RETURNING id, version_number, created_at
	`, v.PostID, v.Content, v.EditorType, v.EditedBy, v.EditorRole, v.IsPublished, v.ChangeSummary).
		Scan(&v.ID, &v.VersionNumber, &v.CreatedAt)
	if err != nil {
		return PostVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

func publishPostRow(ctx context.Context, tx *sql.Tx, postID, content string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE posts SET content=$2, status='published', published_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, postID, content)
	if err != nil {
		return fmt.Errorf("update post row: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (PostVersion, error) {
	var v PostVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, version_number, content, editor_type, edited_by, editor_role, is_published, COALESCE(change_summary,''), created_at
		FROM post_versions WHERE id=$1
	`, versionID).Scan(&v.ID, &v.PostID, &v.VersionNumber, &v.Content, &v.EditorType, &v.EditedBy, &v.EditorRole, &v.IsPublished, &v.ChangeSummary, &v.CreatedAt)
	if err != nil {
		return PostVersion{}, err
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, postID string) ([]PostVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, version_number, content, editor_type, edited_by, editor_role, is_published, COALESCE(change_summary,''), created_at
		FROM post_versions WHERE post_id=$1 ORDER BY version_number
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []PostVersion
	for rows.Next() {
		var v PostVersion
		if err := rows.Scan(&v.ID, &v.PostID, &v.VersionNumber, &v.Content, &v.EditorType, &v.EditedBy, &v.EditorRole, &v.IsPublished, &v.ChangeSummary, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// WasEditedByAdmin reports whether any version after the given number
// was authored by an admin, used to flag moderator views.
func (s *PostgresStore) WasEditedByAdmin(ctx context.Context, postID string, afterVersion int) (bool, error) {
	var edited bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM post_versions
			WHERE post_id=$1 AND version_number > $2 AND editor_role='admin'
		)
	`, postID, afterVersion).Scan(&edited)
	if err != nil {
		return false, fmt.Errorf("check admin edits: %w", err)
	}
	return edited, nil
}

// ---- annotations ----

func (s *PostgresStore) InsertAnnotation(ctx context.Context, a Annotation) (Annotation, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO post_annotations
			(post_id, version_id, author_id, selection_start, selection_end, selected_text, comment, status, bubble_index, editor_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open', $8, $9)
		RETURNING id, created_at, updated_at
	`, a.PostID, a.VersionID, a.AuthorID, a.SelectionStart, a.SelectionEnd, a.SelectedText, a.Comment, a.BubbleIndex, a.EditorType).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	a.Status = "open"
	return a, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	var a Annotation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, post_id, version_id, author_id, selection_start, selection_end, selected_text, comment, status, bubble_index, editor_type, created_at, updated_at
		FROM post_annotations WHERE id=$1
	`, annotationID).Scan(&a.ID, &a.PostID, &a.VersionID, &a.AuthorID, &a.SelectionStart, &a.SelectionEnd, &a.SelectedText, &a.Comment, &a.Status, &a.BubbleIndex, &a.EditorType, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Annotation{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, postID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, post_id, version_id, author_id, selection_start, selection_end, selected_text, comment, status, bubble_index, editor_type, created_at, updated_at
		FROM post_annotations WHERE post_id=$1 ORDER BY created_at
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var annotations []Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.ID, &a.PostID, &a.VersionID, &a.AuthorID, &a.SelectionStart, &a.SelectionEnd, &a.SelectedText, &a.Comment, &a.Status, &a.BubbleIndex, &a.EditorType, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	return annotations, rows.Err()
}

// UpdateAnnotationStatus transitions an open annotation. Returns
// false when the annotation was not open (or missing), so callers can
// reject illegal transitions without a read.
func (s *PostgresStore) UpdateAnnotationStatus(ctx context.Context, annotationID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE post_annotations SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status='open'
	`, annotationID, status)
	if err != nil {
		return false, fmt.Errorf("update annotation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update annotation status: %w", err)
	}
	return n > 0, nil
}

// DeleteAnnotation removes the annotation; replies cascade.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM post_annotations WHERE id=$1`, annotationID)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertReply(ctx context.Context, r AnnotationReply) (AnnotationReply, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotation_replies (annotation_id, author_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, r.AnnotationID, r.AuthorID, r.Content).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return AnnotationReply{}, fmt.Errorf("insert reply: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReplies(ctx context.Context, annotationID string) ([]AnnotationReply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, annotation_id, author_id, content, created_at, updated_at
		FROM annotation_replies WHERE annotation_id=$1 ORDER BY created_at
	`, annotationID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	var replies []AnnotationReply
	for rows.Next() {
		var r AnnotationReply
		if err := rows.Scan(&r.ID, &r.AnnotationID, &r.AuthorID, &r.Content, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

func (s *PostgresStore) GetReply(ctx context.Context, replyID string) (AnnotationReply, error) {
	var r AnnotationReply
	err := s.db.QueryRowContext(ctx, `
		SELECT id, annotation_id, author_id, content, created_at, updated_at
		FROM annotation_replies WHERE id=$1
	`, replyID).Scan(&r.ID, &r.AnnotationID, &r.AuthorID, &r.Content, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return AnnotationReply{}, err
	}
	return r, nil
}

func (s *PostgresStore) DeleteReply(ctx context.Context, replyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM annotation_replies WHERE id=$1`, replyID)
	if err != nil {
		return fmt.Errorf("delete reply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- notes ----

const noteColumns = `
	n.id, n.user_id, COALESCE(n.course_id::text, ''), n.lesson_id, n.entity_type,
	COALESCE(n.title, ''), COALESCE(p.title, ''), n.content, n.created_at, n.updated_at
`

func (s *PostgresStore) ListNotes(ctx context.Context, userID, courseID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM lesson_notes n
		LEFT JOIN posts p ON p.id = n.lesson_id
		WHERE n.user_id=$1 AND n.course_id=$2
		ORDER BY n.updated_at DESC
	`, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.UserID, &n.CourseID, &n.LessonID, &n.EntityType, &n.Title, &n.LessonTitle, &n.Content, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// GetNote is row-level secure by construction: the user id is part of
// the lookup key.
func (s *PostgresStore) GetNote(ctx context.Context, noteID, userID string) (Note, error) {
	var n Note
	err := s.db.QueryRowContext(ctx, `
		SELECT `+noteColumns+`
		FROM lesson_notes n
		LEFT JOIN posts p ON p.id = n.lesson_id
		WHERE n.id=$1 AND n.user_id=$2
	`, noteID, userID).Scan(&n.ID, &n.UserID, &n.CourseID, &n.LessonID, &n.EntityType, &n.Title, &n.LessonTitle, &n.Content, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, n Note) (Note, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO lesson_notes (user_id, lesson_id, course_id, entity_type, title, content)
		VALUES ($1, $2, NULLIF($3,'')::uuid, $4, NULLIF($5,''), $6)
		RETURNING id, created_at, updated_at
	`, n.UserID, n.LessonID, n.CourseID, n.EntityType, n.Title, n.Content).
		Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	return n, nil
}

// UpdateNoteContent writes autosaved content with the writer's
// timestamp. Missing or foreign notes report sql.ErrNoRows so the
// autosave engine can surface the failure without clobbering state.
func (s *PostgresStore) UpdateNoteContent(ctx context.Context, noteID, userID, content string, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lesson_notes SET content=$3, updated_at=$4
		WHERE id=$1 AND user_id=$2
	`, noteID, userID, content, updatedAt)
	if err != nil {
		return fmt.Errorf("update note content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateNoteTitle(ctx context.Context, noteID, userID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lesson_notes SET title=NULLIF($3,''), updated_at=NOW()
		WHERE id=$1 AND user_id=$2 AND entity_type='user'
	`, noteID, userID, title)
	if err != nil {
		return fmt.Errorf("update note title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lesson_notes WHERE id=$1 AND user_id=$2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- reactions ----

var reactionTables = map[string]string{
	"problem": "problem_reactions",
	"comment": "comment_reactions",
}

var ErrUnknownReactionTarget = errors.New("unknown reaction target kind")

// ToggleReaction applies the reaction idempotently per key: applying
// the same type again removes it, applying the other type flips it.
// Exactly one of userID or sessionID identifies the reactor. Returns
// the resulting state: "added", "switched" or "removed".
func (s *PostgresStore) ToggleReaction(ctx context.Context, kind, targetID, userID, sessionID, reactionType string) (string, error) {
	table, ok := reactionTables[kind]
	if !ok {
		return "", ErrUnknownReactionTarget
	}

	keyColumn, keyValue := "user_id", userID
	if userID == "" {
		keyColumn, keyValue = "session_id", sessionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin reaction tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT reaction_type FROM `+table+` WHERE target_id=$1 AND `+keyColumn+`=$2`,
		targetID, keyValue,
	).Scan(&existing)

	var outcome string
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (target_id, `+keyColumn+`, reaction_type) VALUES ($1, $2, $3)`,
			targetID, keyValue, reactionType,
		); err != nil {
			return "", fmt.Errorf("insert reaction: %w", err)
		}
		outcome = "added"
	case err != nil:
		return "", fmt.Errorf("lookup reaction: %w", err)
	case existing == reactionType:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE target_id=$1 AND `+keyColumn+`=$2`,
			targetID, keyValue,
		); err != nil {
			return "", fmt.Errorf("remove reaction: %w", err)
		}
		outcome = "removed"
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET reaction_type=$3 WHERE target_id=$1 AND `+keyColumn+`=$2`,
			targetID, keyValue, reactionType,
		); err != nil {
			return "", fmt.Errorf("switch reaction: %w", err)
		}
		outcome = "switched"
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reaction: %w", err)
	}
	return outcome, nil
}

// ReactionCounts returns like and dislike totals for a target.
func (s *PostgresStore) ReactionCounts(ctx context.Context, kind, targetID string) (likes, dislikes int, err error) {
	table, ok := reactionTables[kind]
	if !ok {
		return 0, 0, ErrUnknownReactionTarget
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE reaction_type='like'),
			COUNT(*) FILTER (WHERE reaction_type='dislike')
		FROM `+table+` WHERE target_id=$1
	`, targetID).Scan(&likes, &dislikes)
	if err != nil {
		return 0, 0, fmt.Errorf("count reactions: %w", err)
	}
	return likes, dislikes, nil
}

// ---- problem comments ----

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO problem_comments (problem_id, user_id, parent_id, content, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, c.ProblemID, c.UserID, c.ParentID, c.Content, c.Status).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var c Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, problem_id, user_id, parent_id, content, status, deleted_at, created_at, updated_at
		FROM problem_comments WHERE id=$1
	`, commentID).Scan(&c.ID, &c.ProblemID, &c.UserID, &c.ParentID, &c.Content, &c.Status, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return c, nil
}

// ListCommentForest returns top-level comments sorted by createdAt
// with replies nested under their parents. approvedOnly filters the
// public listing.
func (s *PostgresStore) ListCommentForest(ctx context.Context, problemID string, approvedOnly bool) ([]Comment, error) {
	query := `
		SELECT c.id, c.problem_id, c.user_id, c.parent_id, c.content, c.status, c.deleted_at, c.created_at, c.updated_at,
			COALESCE(u.display_name, '')
		FROM problem_comments c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.problem_id=$1 AND c.deleted_at IS NULL
	`
	if approvedOnly {
		query += ` AND c.status='approved'`
	}
	query += ` ORDER BY c.created_at`

	rows, err := s.db.QueryContext(ctx, query, problemID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var flat []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.ProblemID, &c.UserID, &c.ParentID, &c.Content, &c.Status, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt, &c.AuthorName); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		flat = append(flat, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return BuildCommentForest(flat), nil
}

// BuildCommentForest nests replies under their parents, preserving
// createdAt order at both levels. Replies whose parent is filtered
// out are dropped with it.
func BuildCommentForest(flat []Comment) []Comment {
	byID := make(map[string]int, len(flat))
	var roots []Comment
	for _, c := range flat {
		if c.ParentID == nil {
			roots = append(roots, c)
			byID[c.ID] = len(roots) - 1
		}
	}
	for _, c := range flat {
		if c.ParentID == nil {
			continue
		}
		if i, ok := byID[*c.ParentID]; ok {
			roots[i].Replies = append(roots[i].Replies, c)
		}
	}
	return roots
}

func (s *PostgresStore) SoftDeleteComment(ctx context.Context, commentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE problem_comments SET deleted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SetCommentStatus(ctx context.Context, commentID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE problem_comments SET status=$2, updated_at=NOW() WHERE id=$1
	`, commentID, status)
	if err != nil {
		return fmt.Errorf("set comment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- settings ----

func (s *PostgresStore) GetSettings(ctx context.Context, userID string) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings::text FROM user_settings WHERE user_id=$1`, userID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("get settings: %w", err)
	}
	return blob, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, userID, blob string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (user_id) DO UPDATE SET settings=EXCLUDED.settings, updated_at=NOW()
	`, userID, blob)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
