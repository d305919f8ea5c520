package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sony/gobreaker/v2"

	"msgline/internal/domain"
	"msgline/internal/infra/logger"
)

// Default circuit breaker settings for Graph API media calls.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// MediaFetcher stores an inbound attachment locally and returns its path.
type MediaFetcher interface {
	Fetch(ctx context.Context, mediaID, mimeType string) (string, error)
}

// CircuitBreakerConfig configures the downloader's circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// MediaDownloaderOption configures a MediaDownloader.
type MediaDownloaderOption func(*MediaDownloader)

// WithMediaHTTPClient replaces the HTTP client, for tests.
func WithMediaHTTPClient(c *http.Client) MediaDownloaderOption {
	return func(d *MediaDownloader) { d.client = c }
}

// WithMediaLogger sets the downloader's logger.
func WithMediaLogger(l *slog.Logger) MediaDownloaderOption {
	return func(d *MediaDownloader) { d.logger = logger.Component(l, "media") }
}

// WithURLGuard checks each download URL returned by the Graph API before it is fetched.
func WithURLGuard(check func(ctx context.Context, rawURL string) error) MediaDownloaderOption {
	return func(d *MediaDownloader) { d.urlGuard = check }
}

// WithCircuitBreaker overrides the default breaker settings.
func WithCircuitBreaker(cfg CircuitBreakerConfig) MediaDownloaderOption {
	return func(d *MediaDownloader) { d.cbCfg = cfg }
}

// MediaDownloader resolves Graph API media IDs and saves the content under
// dir. Repeated failures open a circuit breaker so a Graph API outage fails
// fast instead of stalling every webhook.
type MediaDownloader struct {
	baseURL  string
	token    string
	dir      string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
	urlGuard func(ctx context.Context, rawURL string) error
	cbCfg    CircuitBreakerConfig
	breaker  *gobreaker.CircuitBreaker[string]
}

// NewMediaDownloader creates a MediaDownloader. maxBytes <= 0 disables the size limit.
func NewMediaDownloader(baseURL, token, dir string, maxBytes int64, opts ...MediaDownloaderOption) *MediaDownloader {
	d := &MediaDownloader{
		baseURL:  baseURL,
		token:    token,
		dir:      dir,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}

	maxFailures := d.cbCfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := d.cbCfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := d.cbCfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	log := d.logger
	d.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "whatsapp:media",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Oversized media and blocked URLs are not API failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrMediaTooLarge) || errors.Is(err, domain.ErrURLBlocked)
		},
	})
	return d
}

// Fetch implements MediaFetcher.
func (d *MediaDownloader) Fetch(ctx context.Context, mediaID, mimeType string) (string, error) {
	path, err := d.breaker.Execute(func() (string, error) {
		return d.download(ctx, mediaID, mimeType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", domain.NewSubSystemError("whatsapp", "MediaDownloader.Fetch", domain.ErrMediaFetch, "circuit open: "+err.Error())
		}
		return "", err
	}
	return path, nil
}

// State returns the breaker state for monitoring.
func (d *MediaDownloader) State() gobreaker.State {
	return d.breaker.State()
}

type graphMediaInfo struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

func (d *MediaDownloader) download(ctx context.Context, mediaID, mimeType string) (string, error) {
	const op = "MediaDownloader.Fetch"

	name := safeMediaName(mediaID)
	if name == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "empty media id")
	}

	var info graphMediaInfo
	if err := d.getJSON(ctx, d.baseURL+"/"+mediaID, &info); err != nil {
		return "", domain.NewSubSystemError("whatsapp", op, domain.ErrMediaFetch, err.Error())
	}
	if info.URL == "" {
		return "", domain.NewSubSystemError("whatsapp", op, domain.ErrMediaFetch, "no download url for "+mediaID)
	}
	if d.urlGuard != nil {
		if err := d.urlGuard(ctx, info.URL); err != nil {
			return "", domain.WrapOp(op, err)
		}
	}
	if d.maxBytes > 0 && info.FileSize > d.maxBytes {
		return "", domain.NewDomainError(op, domain.ErrMediaTooLarge, fmt.Sprintf("%d bytes", info.FileSize))
	}
	if mimeType == "" {
		mimeType = info.MIMEType
	}

	resp, err := d.get(ctx, info.URL)
	if err != nil {
		return "", domain.NewSubSystemError("whatsapp", op, domain.ErrMediaFetch, err.Error())
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return "", domain.NewDomainError(op, domain.ErrMediaFetch, "create media dir: "+err.Error())
	}
	path := filepath.Join(d.dir, name+extensionFor(mimeType))

	tmp, err := os.CreateTemp(d.dir, name+".*.part")
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrMediaFetch, err.Error())
	}
	defer os.Remove(tmp.Name())

	src := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		src = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", domain.NewSubSystemError("whatsapp", op, domain.ErrMediaFetch, err.Error())
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return "", domain.NewDomainError(op, domain.ErrMediaTooLarge, fmt.Sprintf("more than %d bytes", d.maxBytes))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", domain.NewDomainError(op, domain.ErrMediaFetch, err.Error())
	}

	d.logger.Debug("media downloaded", "media_id", mediaID, "path", path, "bytes", n)
	return path, nil
}

func (d *MediaDownloader) getJSON(ctx context.Context, url string, v any) error {
	resp, err := d.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(v)
}

func (d *MediaDownloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("graph API error %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func safeMediaName(id string) string {
	return unsafeNameChars.ReplaceAllString(id, "_")
}

func extensionFor(mimeType string) string {
	// Strip parameters such as "; codecs=opus".
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".bin"
	}
	switch base {
	case "audio/ogg":
		return ".ogg"
	case "image/jpeg":
		return ".jpg"
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
