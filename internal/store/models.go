package store

import "time"

// User rows mirror the external identity service; the API only reads
// display names and roles for attribution.
type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// Post is a lesson document and the live publish target.
type Post struct {
	ID          string
	CourseID    string
	Title       string
	Content     string
	EditorType  string // rich-text | chat | canvas | linear
	Status      string // draft | published
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PostVersion is an immutable snapshot of a post's content. Version
// numbers are contiguous from 0; at most one version per post is
// published.
type PostVersion struct {
	ID            string
	PostID        string
	VersionNumber int
	Content       string
	EditorType    string
	EditedBy      string
	EditorRole    string // admin | moderator
	IsPublished   bool
	ChangeSummary string
	CreatedAt     time.Time
}

// Annotation is a persistent comment anchored to a character range.
// The anchor is (SelectionStart, SelectionEnd, SelectedText); the
// positions are hints and the text validates them.
type Annotation struct {
	ID             string
	PostID         string
	VersionID      *string
	AuthorID       string
	SelectionStart int
	SelectionEnd   int
	SelectedText   string
	Comment        string
	Status         string // open | resolved | dismissed
	BubbleIndex    *int
	EditorType     string // rich-text | chat
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AnnotationReply is one entry in an annotation's reply thread.
type AnnotationReply struct {
	ID           string
	AnnotationID string
	AuthorID     string
	Content      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Note is a per-user, per-course note. EntityType "lesson" requires a
// lesson id and takes the lesson's title; "user" notes carry their
// own title.
type Note struct {
	ID          string
	UserID      string
	CourseID    string
	LessonID    *string
	EntityType  string // lesson | user
	Title       string
	LessonTitle string // joined for display
	Content     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reaction targets either a problem or a comment. Exactly one of
// UserID or SessionID keys it.
type Reaction struct {
	TargetID  string
	UserID    string
	SessionID string
	Type      string // like | dislike
	CreatedAt time.Time
}

// Comment is a problem comment; threads are one level deep.
type Comment struct {
	ID        string
	ProblemID string
	UserID    string
	ParentID  *string
	Content   string
	Status    string // pending | approved | rejected
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	// Populated by the forest listing.
	AuthorName string
	Replies    []Comment
}
