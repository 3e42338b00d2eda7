package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/txn2/mcp-sessions/pkg/protocol"
)

const (
	// sessionIDHeader is the MCP session header name.
	sessionIDHeader = "Mcp-Session-Id"

	// protocolVersionHeader carries the client's requested protocol version.
	protocolVersionHeader = "Mcp-Protocol-Version"

	// bearerPrefixLen is the length of the "Bearer " prefix in Authorization headers.
	bearerPrefixLen = 7

	// maxPeekBytes bounds how much of an initialize body is inspected.
	maxPeekBytes = 64 << 10

	// slog attribute keys.
	slogKeyError     = "error"
	slogKeySessionID = "session_id"
	slogKeyBackend   = "backend"
)

type (
	contextKey struct{}
	callerKey  struct{}
)

// WithID returns a context carrying the session id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IDFromContext returns the session id stored by the AwareHandler, if any.
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// WithCaller returns a context carrying the hashed token of the caller.
func WithCaller(ctx context.Context, tokenHash string) context.Context {
	return context.WithValue(ctx, callerKey{}, tokenHash)
}

// CallerFromContext returns the caller's token hash, or empty for anonymous
// callers.
func CallerFromContext(ctx context.Context) string {
	h, _ := ctx.Value(callerKey{}).(string)
	return h
}

// bind attaches the session id and the caller's token hash to r.
func bind(r *http.Request, sessionID string) *http.Request {
	ctx := WithCaller(WithID(r.Context(), sessionID), HashToken(extractToken(r)))
	return r.WithContext(ctx)
}

// HandlerConfig configures an AwareHandler.
type HandlerConfig struct {
	Manager *Manager

	// TTL applied to sessions created by the handler. Zero uses the store default.
	TTL time.Duration

	// DefaultProtocolVersion is assumed when the client omits the
	// protocol version header.
	DefaultProtocolVersion string
}

// AwareHandler wraps an HTTP handler to manage MCP sessions against the
// Manager. It is used when the MCP SDK runs in stateless mode so that
// session state lives in the shared backend rather than in the process.
type AwareHandler struct {
	inner          http.Handler
	manager        *Manager
	ttl            time.Duration
	defaultVersion string
}

// NewAwareHandler creates a handler that manages sessions externally.
func NewAwareHandler(inner http.Handler, cfg HandlerConfig) *AwareHandler {
	v := cfg.DefaultProtocolVersion
	if v == "" {
		v = protocol.DefaultRequestedVersion
	}
	return &AwareHandler{
		inner:          inner,
		manager:        cfg.Manager,
		ttl:            cfg.TTL,
		defaultVersion: v,
	}
}

// ServeHTTP dispatches the request based on session state.
func (h *AwareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		h.handleDelete(w, r)
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		h.handleInitialize(w, r)
		return
	}

	h.handleExisting(w, r, sessionID)
}

// handleInitialize performs the handshake for requests without a session ID.
func (h *AwareHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	requested := r.Header.Get(protocolVersionHeader)
	if requested == "" {
		requested = peekInitializeVersion(r)
	}
	if requested == "" {
		requested = h.defaultVersion
	}

	hs, err := h.manager.Handshake(r.Context(), HandshakeRequest{
		ProtocolVersion: requested,
		TTL:             h.ttl,
		Token:           extractToken(r),
	})
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedVersion) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("session: handshake failed", slogKeyError, err)
		writeStoreError(w, err)
		return
	}

	sw := &sessionIDWriter{
		ResponseWriter: w,
		sessionID:      hs.SessionID,
	}
	r.Header.Set(sessionIDHeader, hs.SessionID)
	h.inner.ServeHTTP(sw, bind(r, hs.SessionID))
}

// peekInitializeVersion reads params.protocolVersion from a JSON-RPC
// initialize body and restores the body for the inner handler. Clients only
// send the version header after initialization.
func peekInitializeVersion(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(head), r.Body))
	if err != nil {
		return ""
	}

	var msg struct {
		Method string `json:"method"`
		Params struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"params"`
	}
	if json.Unmarshal(head, &msg) != nil || msg.Method != "initialize" {
		return ""
	}
	return msg.Params.ProtocolVersion
}

// handleExisting validates and forwards requests with an existing session ID.
// Reading the session touches it, which keeps active sessions alive.
func (h *AwareHandler) handleExisting(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := h.manager.Session(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if !validateOwnership(sess, r) {
		http.Error(w, "session ownership mismatch", http.StatusForbidden)
		return
	}

	if v := r.Header.Get(protocolVersionHeader); v != "" && v != sess.ProtocolVersion() && sess.ProtocolVersion() != "" {
		http.Error(w, fmt.Sprintf("protocol version %q does not match negotiated %q", v, sess.ProtocolVersion()),
			http.StatusBadRequest)
		return
	}

	h.inner.ServeHTTP(w, bind(r, sessionID))
}

// handleDelete removes the session and forwards the DELETE to the SDK. The
// session is only removed once its owner has been verified; a session that
// is already gone or expired is left to the sweep.
func (h *AwareHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID != "" {
		sess, err := h.manager.Session(r.Context(), sessionID)
		switch {
		case err == nil:
			if !validateOwnership(sess, r) {
				http.Error(w, "session ownership mismatch", http.StatusForbidden)
				return
			}
			if err := h.manager.CloseSession(r.Context(), sessionID); err != nil {
				slog.Warn("session: delete failed", slogKeySessionID, sessionID, slogKeyError, err)
				writeStoreError(w, err)
				return
			}
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		default:
			writeStoreError(w, err)
			return
		}
	}
	h.inner.ServeHTTP(w, r)
}

// writeStoreError maps store errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		http.Error(w, "session not found or expired", http.StatusNotFound)
	case errors.Is(err, ErrStorageUnavailable):
		http.Error(w, "session storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// validateOwnership checks that the request token matches the session owner.
// Anonymous sessions skip this check.
func validateOwnership(sess *Session, r *http.Request) bool {
	return sess.OwnedBy(HashToken(extractToken(r)))
}

// sessionIDWriter wraps http.ResponseWriter to inject the Mcp-Session-Id
// header before the first write.
type sessionIDWriter struct {
	http.ResponseWriter
	sessionID     string
	headerWritten bool
}

// WriteHeader injects the session ID header before delegating to the wrapped writer.
func (w *sessionIDWriter) WriteHeader(statusCode int) {
	w.injectHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *sessionIDWriter) Write(b []byte) (int, error) {
	w.injectHeader()
	n, err := w.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("writing response: %w", err)
	}
	return n, nil
}

func (w *sessionIDWriter) injectHeader() {
	if !w.headerWritten {
		w.ResponseWriter.Header().Set(sessionIDHeader, w.sessionID)
		w.headerWritten = true
	}
}

// Flush implements http.Flusher for SSE streaming compatibility.
func (w *sessionIDWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// extractToken gets the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return r.Header.Get("X-API-Key")
	}
	return auth[bearerPrefixLen:]
}
