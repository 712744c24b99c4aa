// Package clipsearch defines the Searcher abstraction over the video clip
// retrieval backend.
//
// A searcher maps a free-text query to ranked clip candidates. Two backends
// exist: a pgvector-backed index queried directly (subpackage pgvector) and a
// remote search service spoken to over MCP (subpackage mcphttp). The mock
// subpackage provides a scriptable test double.
package clipsearch

import (
	"context"
	"errors"

	"github.com/reeltalk/reeltalk/pkg/types"
)

// ErrUnavailable indicates the search backend could not be reached or the
// request timed out. Callers surface this as a degraded search, not a fatal
// session error.
var ErrUnavailable = errors.New("clipsearch: backend unavailable")

// DefaultLimit is the candidate count requested when the model omits top_k.
const DefaultLimit = 5

// Searcher finds clips matching a free-text query.
//
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns up to limit candidates ordered by descending relevance.
	// An empty result is not an error. A blank query or limit <= 0 is
	// deterministically empty and must not reach the backend.
	Search(ctx context.Context, query string, limit int) ([]types.ClipCandidate, error)
}
