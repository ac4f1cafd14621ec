package search

// Result is a single search hit returned to the caller.
type Result struct {
	TodoID      int64  `json:"todoId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	ListID      int64  `json:"listId"`
	ListName    string `json:"listName"`
	WorkspaceID int64  `json:"workspaceId"`
}

// Query describes a search request. WorkspaceID scopes results to a single
// board; zero searches across every workspace the caller can see (the HTTP
// layer enforces membership before building the query).
type Query struct {
	Text        string
	WorkspaceID int64
	Limit       int
	Offset      int
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

// TodoRecord is the data we index for a todo card.
type TodoRecord struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ListID      int64    `json:"listId"`
	ListName    string   `json:"listName"`
	WorkspaceID int64    `json:"workspaceId"`
	Labels      []string `json:"labels"`
}
