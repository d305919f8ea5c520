package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateWhatsApp(cfg, ve)
	validateAgents(cfg, ve)
	validateEnvelope(cfg, ve)
	validateMediaCache(cfg, ve)
	validateStore(cfg, ve)
	validateScheduler(cfg, ve)
	validateFeed(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateWhatsApp(cfg *Config, ve *ValidationError) {
	wa := cfg.Channels.WhatsApp
	for i, entry := range wa.AllowFrom {
		if entry != "*" && !isE164(entry) {
			ve.Add("channels.whatsapp.allow_from[%d] %q is not \"*\" or an E.164 phone number", i, entry)
		}
	}
	if wa.MaxMediaBytes < 0 {
		ve.Add("channels.whatsapp.max_media_bytes must be >= 0")
	}
	if wa.RateLimit.RequestsPerSecond < 0 {
		ve.Add("channels.whatsapp.rate_limit.requests_per_second must be >= 0")
	}
	if wa.RateLimit.RequestsPerSecond > 0 && wa.RateLimit.Burst <= 0 {
		ve.Add("channels.whatsapp.rate_limit.burst must be > 0 when rate limiting is on")
	}
	for i, proxy := range wa.RateLimit.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			ve.Add("channels.whatsapp.rate_limit.trusted_proxies[%d] %q is not an IP address", i, proxy)
		}
	}

	if !wa.Enabled {
		return
	}
	if wa.Token == "" {
		ve.Add("channels.whatsapp.token is required (set via MSGLINE_WHATSAPP_TOKEN)")
	}
	if wa.PhoneID == "" {
		ve.Add("channels.whatsapp.phone_id is required")
	}
	if wa.VerifyToken == "" {
		ve.Add("channels.whatsapp.verify_token is required")
	}
	if wa.WebhookAddr == "" {
		ve.Add("channels.whatsapp.webhook_addr is required when whatsapp is enabled")
	} else if _, _, err := net.SplitHostPort(wa.WebhookAddr); err != nil {
		ve.Add("channels.whatsapp.webhook_addr %q is not a valid host:port", wa.WebhookAddr)
	}
	if wa.MediaDir == "" {
		ve.Add("channels.whatsapp.media_dir is required when whatsapp is enabled")
	}
}

// isE164 validates an E.164 phone number format.
func isE164(phone string) bool {
	if len(phone) < 2 || len(phone) > 16 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	if phone[1] < '1' || phone[1] > '9' {
		return false
	}
	for _, c := range phone[2:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.Default == "" {
		ve.Add("agents.default must not be empty")
	}

	seen := make(map[string]bool)
	for i, inst := range cfg.Agents.Instances {
		if inst.ID == "" {
			ve.Add("agents.instances[%d].id must not be empty", i)
			continue
		}
		if seen[inst.ID] {
			ve.Add("agents.instances[%d]: duplicate agent ID %q", i, inst.ID)
		}
		seen[inst.ID] = true
	}

	if len(cfg.Agents.Instances) > 0 && cfg.Agents.Default != "" && !seen[cfg.Agents.Default] {
		ve.Add("agents.default %q does not match any configured instance", cfg.Agents.Default)
	}
}

func validateEnvelope(cfg *Config, ve *ValidationError) {
	switch tz := strings.TrimSpace(cfg.Envelope.Timezone); strings.ToLower(tz) {
	case "", "utc", "local":
	default:
		if _, err := time.LoadLocation(tz); err != nil {
			ve.Add("envelope.timezone %q is not utc, local or a known IANA zone", cfg.Envelope.Timezone)
		}
	}
}

var validCacheBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

func validateMediaCache(cfg *Config, ve *ValidationError) {
	mc := cfg.MediaCache
	if !validCacheBackends[mc.Backend] {
		ve.Add("media_cache.backend %q is invalid (want: memory, redis)", mc.Backend)
	}
	if mc.TTL <= 0 {
		ve.Add("media_cache.ttl must be > 0")
	}
	if mc.Backend == "memory" && mc.MaxEntries <= 0 {
		ve.Add("media_cache.max_entries must be > 0 for the memory backend")
	}
	if mc.Backend == "redis" && mc.RedisURL == "" {
		ve.Add("media_cache.redis_url is required for the redis backend (set via MSGLINE_REDIS_URL)")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
	if cfg.Store.Retention < 0 {
		ve.Add("store.retention must be >= 0")
	}
}

var validTaskActions = map[string]bool{
	"media_cache_sweep": true,
	"last_seen_prune":   true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if t.Action == "" {
			ve.Add("scheduler.tasks[%d].action is required", i)
		} else if !validTaskActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: media_cache_sweep, last_seen_prune)", i, t.Action)
		}
	}
}

func validateFeed(cfg *Config, ve *ValidationError) {
	if !cfg.Feed.Enabled {
		return
	}
	if cfg.Feed.Addr == "" {
		ve.Add("feed.addr is required when feed is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Feed.Addr); err != nil {
		ve.Add("feed.addr %q is not a valid host:port", cfg.Feed.Addr)
	}
	switch cfg.Feed.Auth.Type {
	case "":
	case "static":
		if len(cfg.Feed.Auth.Tokens) == 0 {
			ve.Add("feed.auth.tokens must not be empty when auth type is static")
		}
		for i, tok := range cfg.Feed.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("feed.auth.tokens[%d].token must not be empty", i)
			}
		}
	default:
		ve.Add("feed.auth.type %q is invalid (want: static or empty)", cfg.Feed.Auth.Type)
	}
}

var validLogLevels = map[string]bool{
	"":        true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := strings.ToLower(cfg.Logger.Format); f != "" && f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if e := cfg.Tracer.Exporter; e != "" && e != "stdout" && e != "noop" {
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", e)
	}
}
