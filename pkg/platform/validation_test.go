package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInstructions(t *testing.T) {
	tests := []struct {
		name         string
		instructions string
		want         []string
	}{
		{"empty", "", nil},
		{"known tools", "Call session_info first, then session_set_state to save progress.", nil},
		{"stale tool", "Use session_put_state and session_put_state again.", []string{"session_put_state"}},
		{"unrelated tokens ignored", "Values like snake_case and trino_query are not checked.", nil},
		{"platform prefix", "Run platform_status for details.", []string{"platform_status"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Platform{
				config:    &Config{Server: ServerConfig{Instructions: tt.instructions}},
				toolNames: []string{"platform_info", "session_info", "session_set_state"},
			}
			assert.Equal(t, tt.want, p.validateInstructions())
		})
	}
}

func TestHasKnownPrefix(t *testing.T) {
	assert.True(t, hasKnownPrefix("session_get_state"))
	assert.True(t, hasKnownPrefix("platform_info"))
	assert.False(t, hasKnownPrefix("list_connections"))
}
