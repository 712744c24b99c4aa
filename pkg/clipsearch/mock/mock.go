// Package mock provides a test double for the clipsearch.Searcher interface.
//
// Use Searcher to return pre-canned candidates without a live backend and to
// verify the queries the pipeline submits.
package mock

import (
	"context"
	"sync"

	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	// Ctx is the context passed to Search.
	Ctx context.Context
	// Query is the text passed to Search.
	Query string
	// Limit is the candidate limit passed to Search.
	Limit int
}

// Searcher is a mock implementation of clipsearch.Searcher.
type Searcher struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results is returned by Search when ResultsByQuery has no entry for the
	// query. Nil returns an empty slice.
	Results []types.ClipCandidate

	// ResultsByQuery maps exact query strings to their candidates, letting a
	// test script different outcomes per search.
	ResultsByQuery map[string][]types.ClipCandidate

	// Err, if non-nil, is returned as the error from Search.
	Err error

	// --- Call records ---

	// SearchCalls records every call to Search in order.
	SearchCalls []SearchCall
}

// Ensure Searcher implements clipsearch.Searcher at compile time.
var _ clipsearch.Searcher = (*Searcher)(nil)

// Search records the call and returns the scripted candidates.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]types.ClipCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = append(s.SearchCalls, SearchCall{Ctx: ctx, Query: query, Limit: limit})
	if s.Err != nil {
		return nil, s.Err
	}
	if r, ok := s.ResultsByQuery[query]; ok {
		return r, nil
	}
	if s.Results == nil {
		return []types.ClipCandidate{}, nil
	}
	return s.Results, nil
}

// Reset clears all recorded calls. Thread-safe.
func (s *Searcher) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchCalls = nil
}
