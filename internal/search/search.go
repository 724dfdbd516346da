package search

// ResultKind identifies the kind of entity in a search result.
type ResultKind string

const (
	KindFunnel ResultKind = "funnel"
	KindPage   ResultKind = "page"
	KindForm   ResultKind = "form"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind       ResultKind `json:"kind"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Slug       string     `json:"slug,omitempty"`
	BusinessID string     `json:"businessId"`
}

// Query describes a search request. BusinessID scopes every query to one
// tenant.
type Query struct {
	Text       string
	BusinessID string
	FilterKind ResultKind // empty = all kinds
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
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for any searchable entity.
type Record struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	BusinessID string `json:"businessId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Slug       string `json:"slug"`
}
