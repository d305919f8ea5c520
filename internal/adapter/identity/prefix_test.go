package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
)

func strPtr(s string) *string { return &s }

func cfgWithAgents(instances ...config.AgentInstanceConfig) *config.Config {
	cfg := config.Defaults()
	cfg.Agents.Instances = instances
	return cfg
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.Config
		agentID string
		in      domain.PrefixInput
		want    string
		wantOK  bool
	}{
		{
			name:   "configured channel prefix wins",
			cfg:    cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: "Alfred"}),
			in:     domain.PrefixInput{Configured: strPtr("[wa]"), HasAllowFrom: true},
			want:   "[wa]",
			wantOK: true,
		},
		{
			name:   "configured empty prefix is kept",
			cfg:    config.Defaults(),
			in:     domain.PrefixInput{Configured: strPtr("")},
			want:   "",
			wantOK: true,
		},
		{
			name: "global messages prefix",
			cfg: func() *config.Config {
				c := config.Defaults()
				c.Messages.MessagePrefix = strPtr("[all]")
				return c
			}(),
			in:     domain.PrefixInput{HasAllowFrom: true},
			want:   "[all]",
			wantOK: true,
		},
		{
			name:   "allow list means no prefix",
			cfg:    cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: "Alfred"}),
			in:     domain.PrefixInput{HasAllowFrom: true},
			want:   "",
			wantOK: true,
		},
		{
			name:   "agent explicit prefix",
			cfg:    cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: "Alfred", Prefix: "🤖"}),
			want:   "🤖",
			wantOK: true,
		},
		{
			name:   "agent name",
			cfg:    cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: " Alfred "}),
			want:   "[Alfred]",
			wantOK: true,
		},
		{
			name:    "named agent",
			cfg:     cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: "Alfred"}, config.AgentInstanceConfig{ID: "ops", Name: "Ops"}),
			agentID: "ops",
			want:    "[Ops]",
			wantOK:  true,
		},
		{
			name:   "agent without identity falls back",
			cfg:    cfgWithAgents(config.AgentInstanceConfig{ID: "main"}),
			want:   FallbackPrefix,
			wantOK: true,
		},
		{
			name:   "no agents configured",
			cfg:    config.Defaults(),
			want:   FallbackPrefix,
			wantOK: true,
		},
		{
			name:   "nil config",
			want:   FallbackPrefix,
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := NewResolver().Resolve(tt.cfg, tt.agentID, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveUnknownAgent(t *testing.T) {
	cfg := cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: "Alfred"})

	_, ok, err := NewResolver().Resolve(cfg, "ghost", domain.PrefixInput{})
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestResolveUnknownAgentIgnoredWhenConfigured(t *testing.T) {
	cfg := cfgWithAgents(config.AgentInstanceConfig{ID: "main", Name: "Alfred"})

	got, ok, err := NewResolver().Resolve(cfg, "ghost", domain.PrefixInput{Configured: strPtr("[x]")})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[x]", got)
}

func TestResolveCustomFallback(t *testing.T) {
	r := NewResolver(WithFallback(""), WithLogger(nil))

	got, ok, err := r.Resolve(config.Defaults(), "", domain.PrefixInput{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got)
}
