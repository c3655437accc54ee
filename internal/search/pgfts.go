package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across posts and lesson_notes
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultLesson {
		lessonWhere := "p.fts @@ " + tsQuery
		if q.FilterCourseID != "" {
			lessonWhere += fmt.Sprintf(" AND p.course_id = $%d::uuid", argN)
			args = append(args, q.FilterCourseID)
			argN++
		}
		if q.PublishedOnly {
			lessonWhere += " AND p.status = 'published'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'lesson'::text AS type, p.id::text, p.title,
				ts_headline('english', coalesce(p.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id::text AS lesson_id, COALESCE(p.course_id::text, '') AS course_id,
				''::text AS owner_id,
				ts_rank(p.fts, %s) AS rank
			FROM posts p
			WHERE %s`, tsQuery, tsQuery, lessonWhere))
	}

	if (q.FilterType == "" || q.FilterType == ResultNote) && q.UserID != "" {
		noteWhere := "n.fts @@ " + tsQuery
		noteWhere += fmt.Sprintf(" AND n.user_id = $%d", argN)
		args = append(args, q.UserID)
		argN++
		if q.FilterCourseID != "" {
			noteWhere += fmt.Sprintf(" AND n.course_id = $%d::uuid", argN)
			args = append(args, q.FilterCourseID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'note'::text AS type, n.id::text, coalesce(n.title, ''),
				ts_headline('english', coalesce(n.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				COALESCE(n.lesson_id::text, '') AS lesson_id, COALESCE(n.course_id::text, '') AS course_id,
				n.user_id AS owner_id,
				ts_rank(n.fts, %s) AS rank
			FROM lesson_notes n
			WHERE %s`, tsQuery, tsQuery, noteWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, lesson_id, course_id, owner_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.LessonID, &r.CourseID, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LessonRecord, []NoteRecord, error) {
	lessonRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, title, content, COALESCE(course_id::text, ''), status
		FROM posts
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load lessons: %w", err)
	}
	defer lessonRows.Close()

	lessons := make([]LessonRecord, 0)
	for lessonRows.Next() {
		var l LessonRecord
		if err := lessonRows.Scan(&l.ID, &l.Title, &l.Body, &l.CourseID, &l.Status); err != nil {
			return nil, nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, l)
	}
	if err := lessonRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate lessons: %w", err)
	}

	noteRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, COALESCE(title, ''), content, COALESCE(lesson_id::text, ''), COALESCE(course_id::text, ''), user_id
		FROM lesson_notes
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load notes: %w", err)
	}
	defer noteRows.Close()

	notes := make([]NoteRecord, 0)
	for noteRows.Next() {
		var n NoteRecord
		if err := noteRows.Scan(&n.ID, &n.Title, &n.Body, &n.LessonID, &n.CourseID, &n.UserID); err != nil {
			return nil, nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := noteRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate notes: %w", err)
	}

	return lessons, notes, nil
}
