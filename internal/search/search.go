package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPost   ResultType = "post"
	ResultNote   ResultType = "note"
	ResultNotice ResultType = "notice"
)

// Result is a single search hit returned to the caller. Post hits carry no
// author fields.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	PostType string     `json:"postType,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexPost(p PostRecord) error
	IndexNote(n NoteRecord) error
	IndexNotice(n NoticeRecord) error
	DeletePost(id string) error
	DeleteNote(id string) error
	DeleteNotice(id string) error
}

// PostRecord is the data we index for a post.
type PostRecord struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Type    string   `json:"type"`
	Tags    []string `json:"tags"`
}

// NoteRecord is the data we index for a shared note.
type NoteRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subject  string `json:"subject"`
	Semester string `json:"semester"`
}

// NoticeRecord is the data we index for a notice.
type NoticeRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Type    string `json:"type"`
}
