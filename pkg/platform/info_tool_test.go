package platform

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"

	"github.com/txn2/mcp-sessions/pkg/protocol"
)

func TestHandleInfo(t *testing.T) {
	p := newToolTestPlatform(t)

	result, extra, err := p.handleInfo(context.Background(), &mcp.CallToolRequest{})

	var info Info
	decodeResult(t, result, extra, err, &info)
	assert.Equal(t, "mcp-sessions", info.Name)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "memory", info.Backend)
	assert.Equal(t, p.Manager().InstanceID(), info.InstanceID)
	assert.Equal(t, 1800, info.TTLSeconds)
	assert.Equal(t, 3, info.MaxEvents)
	assert.Equal(t, protocol.DefaultSupportedVersions, info.SupportedVersions)
	assert.Equal(t, protocol.DefaultRequestedVersion, info.DefaultVersion)
}

func TestErrorResult(t *testing.T) {
	result, extra, err := errorResult("boom")
	assert.NoError(t, err)
	assert.Nil(t, extra)
	assert.True(t, result.IsError)
	text, ok := result.Content[0].(*mcp.TextContent)
	assert.True(t, ok)
	assert.Equal(t, "boom", text.Text)
}
