package test

import (
	"context"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
)

// TestBackend is a backend under test. Publish makes a snapshot available to readers the way
// the server side would.
type TestBackend interface {
	backend.Fetcher
	backend.Streamer

	Publish(ctx context.Context, id core.SessionID, snapshot *core.Snapshot) (bool, error)
}
