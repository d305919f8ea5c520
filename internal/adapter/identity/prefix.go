// Package identity resolves the literal prefix placed in front of inbound
// message bodies from channel settings and agent identities.
package identity

import (
	"log/slog"
	"strings"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
	"msgline/internal/infra/logger"
)

// FallbackPrefix is used when neither configuration nor the agent identity
// provides one.
const FallbackPrefix = "[msgline]"

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback replaces FallbackPrefix.
func WithFallback(prefix string) Option {
	return func(r *Resolver) { r.fallback = prefix }
}

// WithLogger sets the resolver's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger.Component(l, "identity") }
}

// Resolver picks a prefix in this order:
//
//  1. the channel's configured message_prefix (may be empty)
//  2. messages.message_prefix
//  3. no prefix when the channel restricts senders with allow_from
//  4. the agent's prefix, or "[Name]" from its display name
//  5. the fallback
type Resolver struct {
	fallback string
	logger   *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{fallback: FallbackPrefix, logger: logger.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the prefix for agentID. An empty agentID selects the
// configured default agent. Naming an agent that is not configured is an
// error once any agents are configured.
func (r *Resolver) Resolve(cfg *config.Config, agentID string, in domain.PrefixInput) (string, bool, error) {
	if in.Configured != nil {
		return *in.Configured, true, nil
	}
	if cfg == nil {
		return r.fallback, r.fallback != "", nil
	}
	if p := cfg.Messages.MessagePrefix; p != nil {
		return *p, true, nil
	}
	if in.HasAllowFrom {
		return "", true, nil
	}

	if agentID == "" {
		agentID = cfg.Agents.Default
	}
	agent, ok := cfg.Agents.Agent(agentID)
	if !ok {
		if len(cfg.Agents.Instances) > 0 && agentID != cfg.Agents.Default {
			return "", false, domain.NewDomainError("identity.Resolve", domain.ErrNotFound, "agent "+agentID)
		}
		return r.fallback, r.fallback != "", nil
	}

	if agent.Prefix != "" {
		return agent.Prefix, true, nil
	}
	if name := strings.TrimSpace(agent.Name); name != "" {
		return "[" + name + "]", true, nil
	}
	r.logger.Debug("agent has no identity, using fallback prefix", "agent_id", agentID)
	return r.fallback, r.fallback != "", nil
}
