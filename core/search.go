package core

import "context"

// SortOrder is the direction of one sort field.
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// SortField is one (field, direction) pair of a requested sort.
type SortField struct {
	Field string
	Order SortOrder
}

// SearchRequest carries one search end to end.
type SearchRequest struct {
	Query           string
	ReturnedFields  []string    // nil means all stored fields
	SortFields      []SortField // nil means ranked by score
	PageSize        int
	PageOffset      int
	GetTotalMatches bool
	RequireUpToDate bool
	Federate        bool

	// CallerID identifies the principal for permission filtering.
	CallerID string
}

// SearchHit is one emitted result record.
type SearchHit struct {
	ObjectID string
	RepoID   string
	Score    float64
	Fields   map[string][]string
}

// QueryInfo is the header frame emitted before result records.
type QueryInfo struct {
	TotalMatches    int
	HasTotalMatches bool
	More            bool
	HasMore         bool
}

// ResultSink receives a search response as it is produced: the info frame
// first, then one hit per result. Emit order is ranked order for local
// results; federated results stream in peer-arrival order after them.
type ResultSink interface {
	Info(info QueryInfo) error
	Hit(hit SearchHit) error
}

// Authorizer is the external permission predicate. A false return excludes
// the object from results; it never fails the request.
type Authorizer interface {
	IsAllowed(ctx context.Context, callerID, objectID, operation string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, callerID, objectID, operation string) bool

func (f AuthorizerFunc) IsAllowed(ctx context.Context, callerID, objectID, operation string) bool {
	return f(ctx, callerID, objectID, operation)
}
