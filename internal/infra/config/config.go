package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for msgline.
type Config struct {
	Includes   []string         `yaml:"includes,omitempty"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Agents     AgentsConfig     `yaml:"agents"`
	Messages   MessagesConfig   `yaml:"messages"`
	Envelope   EnvelopeConfig   `yaml:"envelope"`
	MediaCache MediaCacheConfig `yaml:"media_cache"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Feed       FeedConfig       `yaml:"feed"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppChannelConfig `yaml:"whatsapp"`
}

// WhatsAppChannelConfig holds WhatsApp Cloud API channel settings.
type WhatsAppChannelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"`
	PhoneID     string `yaml:"phone_id"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret,omitempty"`
	WebhookAddr string `yaml:"webhook_addr,omitempty"`
	APIBaseURL  string `yaml:"api_base_url,omitempty"`

	// MessagePrefix overrides the agent prefix for this channel. An explicit
	// empty string disables the prefix; nil leaves the decision to the resolver.
	MessagePrefix *string  `yaml:"message_prefix,omitempty"`
	AllowFrom     []string `yaml:"allow_from,omitempty"`

	MediaDir      string          `yaml:"media_dir,omitempty"`
	MaxMediaBytes int64           `yaml:"max_media_bytes,omitempty"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds token-bucket settings for an HTTP listener.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustedProxies are peer IPs whose X-Forwarded-For / X-Real-IP headers
	// identify the client. Leave empty when the webhook is not behind a proxy.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// AgentsConfig holds the agent identities prefixes are derived from.
type AgentsConfig struct {
	Default   string                `yaml:"default"`
	Instances []AgentInstanceConfig `yaml:"instances"`
}

// AgentInstanceConfig defines a single agent identity.
type AgentInstanceConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix,omitempty"`
}

// Agent returns the instance with the given id, if configured.
func (a AgentsConfig) Agent(id string) (AgentInstanceConfig, bool) {
	for _, inst := range a.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return AgentInstanceConfig{}, false
}

// MessagesConfig holds settings shared by every channel.
type MessagesConfig struct {
	MessagePrefix *string `yaml:"message_prefix,omitempty"`
}

// EnvelopeConfig holds envelope header rendering settings.
type EnvelopeConfig struct {
	Timezone         string `yaml:"timezone"` // "utc", "local" or an IANA zone name
	IncludeTimestamp bool   `yaml:"include_timestamp"`
	IncludeElapsed   bool   `yaml:"include_elapsed"`
}

// MediaCacheConfig holds recent-media cache settings.
type MediaCacheConfig struct {
	Backend    string        `yaml:"backend"` // "memory" or "redis"
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	RedisURL   string        `yaml:"redis_url,omitempty"`
	KeyPrefix  string        `yaml:"key_prefix,omitempty"`
}

// StoreConfig holds last-seen timestamp store settings.
type StoreConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
}

// FeedConfig holds the WebSocket line feed settings.
type FeedConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Auth    AuthConfig `yaml:"auth"`
}

// AuthConfig holds feed authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single feed auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.msgline/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".msgline", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppChannelConfig{
				Enabled:       false,
				WebhookAddr:   ":8080",
				APIBaseURL:    "https://graph.facebook.com/v21.0",
				MediaDir:      filepath.Join(dataDir, "media"),
				MaxMediaBytes: 16 << 20,
				RateLimit: RateLimitConfig{
					RequestsPerSecond: 20,
					Burst:             40,
				},
			},
		},
		Agents: AgentsConfig{
			Default: "main",
		},
		Envelope: EnvelopeConfig{
			Timezone:         "local",
			IncludeTimestamp: true,
			IncludeElapsed:   true,
		},
		MediaCache: MediaCacheConfig{
			Backend:    "memory",
			TTL:        10 * time.Minute,
			MaxEntries: 1024,
			KeyPrefix:  "msgline:media:",
		},
		Store: StoreConfig{
			Path:      filepath.Join(dataDir, "lastseen.db"),
			Retention: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "media-cache-sweep", Schedule: "1m", Action: "media_cache_sweep"},
				{Name: "last-seen-prune", Schedule: "@daily", Action: "last_seen_prune"},
			},
		},
		Feed: FeedConfig{
			Enabled: false,
			Addr:    ":8090",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MSGLINE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MSGLINE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MSGLINE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MSGLINE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MSGLINE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MSGLINE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	wa := &cfg.Channels.WhatsApp
	if v := os.Getenv("MSGLINE_WHATSAPP_ENABLED"); v != "" {
		wa.Enabled = v == "true"
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_TOKEN"); v != "" && wa.Token == "" {
		wa.Token = v
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_PHONE_ID"); v != "" {
		wa.PhoneID = v
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_VERIFY_TOKEN"); v != "" && wa.VerifyToken == "" {
		wa.VerifyToken = v
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_APP_SECRET"); v != "" && wa.AppSecret == "" {
		wa.AppSecret = v
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_WEBHOOK_ADDR"); v != "" {
		wa.WebhookAddr = v
	}
	// An empty value is meaningful here: it disables the prefix.
	if v, ok := os.LookupEnv("MSGLINE_WHATSAPP_MESSAGE_PREFIX"); ok {
		wa.MessagePrefix = &v
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_ALLOW_FROM"); v != "" {
		wa.AllowFrom = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_MEDIA_DIR"); v != "" {
		wa.MediaDir = v
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			wa.RateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("MSGLINE_WHATSAPP_TRUSTED_PROXIES"); v != "" {
		wa.RateLimit.TrustedProxies = splitAndTrim(v, ",")
	}

	if v := os.Getenv("MSGLINE_AGENTS_DEFAULT"); v != "" {
		cfg.Agents.Default = v
	}
	if v, ok := os.LookupEnv("MSGLINE_MESSAGE_PREFIX"); ok {
		cfg.Messages.MessagePrefix = &v
	}
	if v := os.Getenv("MSGLINE_ENVELOPE_TIMEZONE"); v != "" {
		cfg.Envelope.Timezone = v
	}

	if v := os.Getenv("MSGLINE_MEDIA_CACHE_BACKEND"); v != "" {
		cfg.MediaCache.Backend = v
	}
	if v := os.Getenv("MSGLINE_MEDIA_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MediaCache.TTL = d
		}
	}
	if v := os.Getenv("MSGLINE_MEDIA_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MediaCache.MaxEntries = n
		}
	}
	if v := os.Getenv("MSGLINE_REDIS_URL"); v != "" {
		cfg.MediaCache.RedisURL = v
	}

	if v := os.Getenv("MSGLINE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MSGLINE_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}
	if v := os.Getenv("MSGLINE_FEED_ENABLED"); v == "true" {
		cfg.Feed.Enabled = true
	}
	if v := os.Getenv("MSGLINE_FEED_ADDR"); v != "" {
		cfg.Feed.Addr = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	wa := &cfg.Channels.WhatsApp
	channelSecrets := map[string]*string{
		"token":        &wa.Token,
		"verify_token": &wa.VerifyToken,
		"app_secret":   &wa.AppSecret,
	}
	for name, fp := range channelSecrets {
		if err := decryptField(fp, passphrase); err != nil {
			return fmt.Errorf("whatsapp %s: %w", name, err)
		}
	}

	if err := decryptField(&cfg.MediaCache.RedisURL, passphrase); err != nil {
		return fmt.Errorf("media_cache redis_url: %w", err)
	}

	for i := range cfg.Feed.Auth.Tokens {
		if err := decryptField(&cfg.Feed.Auth.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("feed auth token %s: %w", cfg.Feed.Auth.Tokens[i].Name, err)
		}
	}

	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
