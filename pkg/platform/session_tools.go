package platform

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-sessions/pkg/session"
)

type sessionInput struct {
	SessionID string `json:"session_id,omitempty"`
}

type getStateInput struct {
	SessionID string `json:"session_id,omitempty"`
	Key       string `json:"key"`
}

type setStateInput struct {
	SessionID string `json:"session_id,omitempty"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
}

type appendEventInput struct {
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Payload        any    `json:"payload"`
}

type listEventsInput struct {
	SessionID string `json:"session_id,omitempty"`
	Since     uint64 `json:"since,omitempty"`
}

// sessionInfoOutput is the JSON response for session_info.
type sessionInfoOutput struct {
	SessionID       string    `json:"session_id"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	TTLSeconds      int64     `json:"ttl_seconds"`
	LastSequence    uint64    `json:"last_sequence"`
	Keys            []string  `json:"keys"`
}

type stateOutput struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type appendEventOutput struct {
	Sequence  uint64 `json:"sequence"`
	Duplicate bool   `json:"duplicate"`
}

type listEventsOutput struct {
	Events []session.Event `json:"events"`
	Count  int             `json:"count"`
}

// registerSessionTools registers the session-scoped tools. Every tool
// accepts an explicit session_id and otherwise uses the session attached to
// the request by the HTTP handler.
func (p *Platform) registerSessionTools() {
	addTool(p, &mcp.Tool{
		Name:        "session_info",
		Description: "Describe a session: negotiated protocol version, expiry, last event sequence and state keys.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in sessionInput) (*mcp.CallToolResult, any, error) {
		return p.handleSessionInfo(ctx, in.SessionID)
	})

	addTool(p, &mcp.Tool{
		Name:        "session_get_state",
		Description: "Read one key of the session's state.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in getStateInput) (*mcp.CallToolResult, any, error) {
		return p.handleGetState(ctx, in)
	})

	addTool(p, &mcp.Tool{
		Name: "session_set_state",
		Description: "Write one key of the session's state. " +
			"The " + session.ProtocolVersionKey + " and " + session.OwnerKey + " keys are read-only.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in setStateInput) (*mcp.CallToolResult, any, error) {
		return p.handleSetState(ctx, in)
	})

	addTool(p, &mcp.Tool{
		Name: "session_append_event",
		Description: "Append an event to the session's log. Repeating an idempotency key returns " +
			"the sequence assigned the first time.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in appendEventInput) (*mcp.CallToolResult, any, error) {
		return p.handleAppendEvent(ctx, in)
	})

	addTool(p, &mcp.Tool{
		Name:        "session_list_events",
		Description: "List retained events with a sequence greater than since, oldest first.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in listEventsInput) (*mcp.CallToolResult, any, error) {
		return p.handleListEvents(ctx, in)
	})
}

// resolveSessionID prefers the explicit argument over the session bound to
// the request. An explicit id other than the bound one must be owned by the
// caller the handler recorded in ctx.
func (p *Platform) resolveSessionID(ctx context.Context, explicit string) (string, error) {
	bound := session.IDFromContext(ctx)
	if explicit == "" || explicit == bound {
		if bound == "" {
			return "", errors.New("session_id is required")
		}
		return bound, nil
	}
	if _, err := p.manager.Authorize(ctx, explicit); err != nil {
		return "", err
	}
	return explicit, nil
}

func (p *Platform) handleSessionInfo(ctx context.Context, sessionID string) (*mcp.CallToolResult, any, error) {
	id, err := p.resolveSessionID(ctx, sessionID)
	if err != nil {
		return errorResult(err.Error())
	}
	sess, err := p.manager.Session(ctx, id)
	if err != nil {
		return errorResult(err.Error())
	}

	keys := make([]string, 0, len(sess.State))
	for k := range sess.State {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return jsonResult(sessionInfoOutput{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion(),
		CreatedAt:       sess.CreatedAt,
		LastAccessedAt:  sess.LastAccessedAt,
		ExpiresAt:       sess.ExpiresAt(),
		TTLSeconds:      int64(sess.TTL / time.Second),
		LastSequence:    sess.LastSequence,
		Keys:            keys,
	})
}

func (p *Platform) handleGetState(ctx context.Context, in getStateInput) (*mcp.CallToolResult, any, error) {
	id, err := p.resolveSessionID(ctx, in.SessionID)
	if err != nil {
		return errorResult(err.Error())
	}
	raw, err := p.manager.GetState(ctx, id, in.Key)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(stateOutput{Key: in.Key, Value: raw})
}

func (p *Platform) handleSetState(ctx context.Context, in setStateInput) (*mcp.CallToolResult, any, error) {
	id, err := p.resolveSessionID(ctx, in.SessionID)
	if err != nil {
		return errorResult(err.Error())
	}
	if err := p.manager.SetState(ctx, id, in.Key, in.Value); err != nil {
		return errorResult(err.Error())
	}
	raw, err := json.Marshal(in.Value)
	if err != nil {
		return errorResult("Error: " + err.Error())
	}
	return jsonResult(stateOutput{Key: in.Key, Value: raw})
}

func (p *Platform) handleAppendEvent(ctx context.Context, in appendEventInput) (*mcp.CallToolResult, any, error) {
	id, err := p.resolveSessionID(ctx, in.SessionID)
	if err != nil {
		return errorResult(err.Error())
	}
	res, err := p.manager.AppendEvent(ctx, id, in.IdempotencyKey, in.Payload)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(appendEventOutput{Sequence: res.Sequence, Duplicate: res.Duplicate})
}

func (p *Platform) handleListEvents(ctx context.Context, in listEventsInput) (*mcp.CallToolResult, any, error) {
	id, err := p.resolveSessionID(ctx, in.SessionID)
	if err != nil {
		return errorResult(err.Error())
	}
	events, err := p.manager.ListEvents(ctx, id, in.Since)
	if err != nil {
		return errorResult(err.Error())
	}
	if events == nil {
		events = []session.Event{}
	}
	return jsonResult(listEventsOutput{Events: events, Count: len(events)})
}
