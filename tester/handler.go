package tester

import (
	"context"
	"encoding/json"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/core"
)

// ActionHandler decides about an action submitted to a session. data is the session's
// current data, nil if nothing was published yet. For accepted actions, the returned
// newData is published as the next snapshot unless it is nil.
type ActionHandler func(ctx context.Context, id core.SessionID, data json.RawMessage, req *backend.ActionRequest) (resp *backend.ActionResponse, newData any)

// ChatData is the session data maintained by EchoHandler.
type ChatData struct {
	LastAction       string            `json:"lastAction"`
	ConfirmedActions []string          `json:"confirmedActions"`
	Messages         []json.RawMessage `json:"messages"`
}

// EchoHandler accepts every action, appends its payload to the message list and echoes the
// token in lastAction and confirmedActions.
func EchoHandler(ctx context.Context, id core.SessionID, data json.RawMessage, req *backend.ActionRequest) (*backend.ActionResponse, any) {
	var chat ChatData
	if len(data) > 0 {
		// Data published by others might have a different shape, start over then
		_ = json.Unmarshal(data, &chat)
	}

	chat.LastAction = req.IdempotencyToken
	chat.ConfirmedActions = append(chat.ConfirmedActions, req.IdempotencyToken)
	chat.Messages = append(chat.Messages, json.RawMessage(req.Payload))

	return &backend.ActionResponse{Accepted: true}, &chat
}

// SilentHandler accepts every action without publishing anything.
func SilentHandler(ctx context.Context, id core.SessionID, data json.RawMessage, req *backend.ActionRequest) (*backend.ActionResponse, any) {
	return &backend.ActionResponse{Accepted: true}, nil
}

// RejectingHandler rejects every action with the given reason.
func RejectingHandler(reason string) ActionHandler {
	return func(ctx context.Context, id core.SessionID, data json.RawMessage, req *backend.ActionRequest) (*backend.ActionResponse, any) {
		return &backend.ActionResponse{Accepted: false, Reason: reason}, nil
	}
}
