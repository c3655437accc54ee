package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultLesson ResultType = "lesson"
	ResultNote   ResultType = "note"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	LessonID string     `json:"lessonId,omitempty"`
	CourseID string     `json:"courseId,omitempty"`
	OwnerID  string     `json:"-"`
}

// Query describes a search request. UserID scopes note hits to their
// owner; PublishedOnly hides draft lessons from non-editor roles.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCourseID string
	UserID         string
	PublishedOnly  bool
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// LessonRecord is the data we index for a lesson post.
type LessonRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	CourseID string `json:"courseId"`
	Status   string `json:"status"`
}

// NoteRecord is the data we index for a private note.
type NoteRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	LessonID string `json:"lessonId"`
	CourseID string `json:"courseId"`
	UserID   string `json:"userId"`
}
