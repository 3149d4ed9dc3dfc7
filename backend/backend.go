package backend

import (
	"context"

	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/core"
)

const TracerName = "agentsession"

// Fetcher retrieves the latest state of a workflow instance.
type Fetcher interface {
	// FetchState returns the current snapshot if its sequence number is greater than since.
	// If there is nothing new, it returns nil and no error.
	FetchState(ctx context.Context, id core.SessionID, since int64) (*core.Snapshot, error)
}

// Streamer holds a long-lived connection and delivers snapshots as they are produced.
type Streamer interface {
	// StreamState connects and calls handle for each received snapshot, in receipt order, on
	// the calling goroutine. It blocks until ctx is canceled, the connection fails, or handle
	// returns an error. Snapshots with a sequence number <= since might be skipped by the
	// server.
	StreamState(ctx context.Context, id core.SessionID, since int64, handle func(*core.Snapshot) error) error
}

type ActionRequest struct {
	IdempotencyToken string            `json:"idempotencyToken"`
	Payload          converter.Payload `json:"payload"`
}

type ActionResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Sender delivers user actions to a workflow instance.
type Sender interface {
	// SendAction sends the action. An explicit rejection by the server is returned as a
	// response with Accepted set to false, not as an error. Errors are transport errors; the
	// action may or may not have reached the server and can be resent with the same token.
	SendAction(ctx context.Context, id core.SessionID, req *ActionRequest) (*ActionResponse, error)
}

// Starter is implemented by backends that can start the workflow behind a session.
type Starter interface {
	StartSession(ctx context.Context, id core.SessionID) error
}

// Ender is implemented by backends that can signal the workflow to end the session.
type Ender interface {
	EndSession(ctx context.Context, id core.SessionID) error
}

//go:generate mockery --name=Backend --inpackage
type Backend interface {
	Fetcher
	Sender
}
