package session_test

import (
	"testing"

	"github.com/txn2/mcp-sessions/internal/sessiontest"
	"github.com/txn2/mcp-sessions/pkg/session"
)

func TestMemoryDriver_Conformance(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Driver {
		return session.NewMemoryDriver()
	})
}

func TestRetryingMemoryDriver_Conformance(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Driver {
		return session.NewRetryingDriver(session.NewMemoryDriver(), session.RetryConfig{})
	})
}
