package memory

import (
	"context"
	"time"

	"github.com/memloop/memloop/types"
)

// Journal is the durable flush target for working memory. Writes arrive
// in batches on the flush ticker, so implementations should favor
// pipelined or bulk operations.
type Journal interface {
	// AppendObservations persists a batch of new observations.
	AppendObservations(ctx context.Context, obs []types.Observation) error

	// TouchObservations records last-access timestamps for a batch of
	// observation IDs. Durable access times may lag the in-process view
	// by up to one flush interval.
	TouchObservations(ctx context.Context, agentID string, ids []string, at time.Time) error

	// LoadRecent returns up to n observations for the agent, ranked by a
	// combined importance and recency key, newest-leaning first. Used to
	// warm the in-process cache after a restart.
	LoadRecent(ctx context.Context, agentID string, n int) ([]types.Observation, error)
}
