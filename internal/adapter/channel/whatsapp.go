package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
	"msgline/internal/infra/logger"
	"msgline/internal/infra/middleware"
)

const (
	whatsappChannelName = "whatsapp"
	whatsappUserSuffix  = "@s.whatsapp.net"
	recentBodyLimit     = 1024
)

// WhatsAppOption configures the WhatsApp channel.
type WhatsAppOption func(*WhatsAppChannel)

// WithMediaFetcher downloads inbound attachments so their local path can be
// attached to the message.
func WithMediaFetcher(f MediaFetcher) WhatsAppOption {
	return func(w *WhatsAppChannel) { w.media = f }
}

// WithWhatsAppLogger sets the channel's logger.
func WithWhatsAppLogger(l *slog.Logger) WhatsAppOption {
	return func(w *WhatsAppChannel) { w.logger = logger.Component(l, "whatsapp") }
}

// WithWebhookRateLimit throttles webhook deliveries per client IP.
func WithWebhookRateLimit(cfg middleware.RateLimitConfig) WhatsAppOption {
	return func(w *WhatsAppChannel) { w.rateLimit = cfg }
}

// WhatsAppChannel implements domain.Channel for the WhatsApp Cloud API.
// It runs a webhook server and turns each delivered message into a
// domain.InboundMessage.
type WhatsAppChannel struct {
	verifyToken string // webhook verification token
	appSecret   string // for X-Hub-Signature-256 verification
	webhookAddr string
	allowFrom   []string // E.164 numbers; empty or "*" admits everyone
	rateLimit   middleware.RateLimitConfig

	handler   domain.MessageHandler
	media     MediaFetcher
	logger    *slog.Logger
	server    *http.Server
	boundAddr string
	bodies    *recentBodies
}

// NewWhatsAppChannel creates a WhatsApp channel from its configuration.
func NewWhatsAppChannel(cfg config.WhatsAppChannelConfig, opts ...WhatsAppOption) *WhatsAppChannel {
	w := &WhatsAppChannel{
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		webhookAddr: cfg.WebhookAddr,
		allowFrom:   cfg.AllowFrom,
		rateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    cfg.RateLimit.TrustedProxies,
		},
		logger: logger.Discard(),
		bodies: newRecentBodies(recentBodyLimit),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start begins the webhook server. Non-blocking (serves in a goroutine).
func (w *WhatsAppChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	w.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", w.handleWebhook)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	w.server = &http.Server{
		Addr:              w.webhookAddr,
		Handler:           middleware.Chain(mux, middleware.SecurityHeaders, middleware.RateLimit(ctx, w.rateLimit)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", w.webhookAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.webhookAddr, err)
	}
	w.boundAddr = ln.Addr().String()

	go func() {
		w.logger.Info("whatsapp webhook started", "addr", w.boundAddr)
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("whatsapp webhook server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the webhook server.
func (w *WhatsAppChannel) Stop(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	return w.server.Shutdown(ctx)
}

// Name implements domain.Channel.
func (w *WhatsAppChannel) Name() string { return whatsappChannelName }

// BoundAddr returns the actual bound address of the webhook server.
func (w *WhatsAppChannel) BoundAddr() string { return w.boundAddr }

func (w *WhatsAppChannel) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.handleVerification(rw, r)
	case http.MethodPost:
		w.handleIncoming(rw, r)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification handles the Meta webhook verification challenge.
func (w *WhatsAppChannel) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(w.verifyToken)) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(rw, "forbidden", http.StatusForbidden)
}

// handleIncoming processes webhook payloads. Always returns 200 so Meta
// does not retry deliveries that can never succeed.
func (w *WhatsAppChannel) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		w.logger.Warn("whatsapp read body error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	if w.appSecret != "" && !w.validateSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid webhook signature")
		rw.WriteHeader(http.StatusOK)
		return
	}

	var payload whatsappWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp unmarshal error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	w.processPayload(r.Context(), &payload)
	rw.WriteHeader(http.StatusOK)
}

func (w *WhatsAppChannel) validateSignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.appSecret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (w *WhatsAppChannel) processPayload(ctx context.Context, payload *whatsappWebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				inbound, ok := w.toInbound(ctx, msg, change.Value)
				if !ok {
					continue
				}
				if err := w.handler(ctx, inbound); err != nil {
					w.logger.Error("whatsapp handler error", "error", err, "message_id", msg.ID)
				}
			}
		}
	}
}

// toInbound converts one webhook message. ok is false for messages that are
// filtered out or carry nothing to render.
func (w *WhatsAppChannel) toInbound(ctx context.Context, msg whatsappMessage, value whatsappChangeValue) (domain.InboundMessage, bool) {
	sender := e164(msg.From)
	if !w.allowed(sender) {
		w.logger.Debug("whatsapp sender not allowed", "from", sender)
		return domain.InboundMessage{}, false
	}

	body, media := messageContent(msg)
	if body == "" {
		w.logger.Debug("whatsapp message skipped", "type", msg.Type, "message_id", msg.ID)
		return domain.InboundMessage{}, false
	}

	in := domain.InboundMessage{
		ID:         msg.ID,
		AccountID:  value.Metadata.PhoneNumberID,
		Channel:    whatsappChannelName,
		Body:       body,
		SenderJID:  strings.TrimPrefix(sender, "+") + whatsappUserSuffix,
		SenderE164: sender,
		SenderName: contactName(value.Contacts, msg.From),
		Timestamp:  parseUnix(msg.Timestamp),
	}
	if msg.GroupID != "" {
		in.ChatType = domain.ChatTypeGroup
		in.ChatID = msg.GroupID
		in.From = msg.GroupID
	} else {
		in.ChatType = domain.ChatTypeDirect
		in.ChatID = sender
		in.From = whatsappChannelName + ":" + sender
	}

	if msg.Context != nil && msg.Context.ID != "" {
		in.ReplyToID = msg.Context.ID
		if msg.Context.From != "" {
			in.ReplyToSender = e164(msg.Context.From)
		}
		in.ReplyToBody, _ = w.bodies.get(msg.Context.ID)
	}

	if media != nil {
		in.MediaType = media.kind
		if w.media != nil {
			path, err := w.media.Fetch(ctx, media.id, media.mimeType)
			if err != nil {
				w.logger.Warn("whatsapp media download failed", "media_id", media.id, "error", err)
			} else {
				in.MediaPath = path
			}
		}
	}

	w.bodies.put(msg.ID, body)
	return in, true
}

func (w *WhatsAppChannel) allowed(sender string) bool {
	if len(w.allowFrom) == 0 || slices.Contains(w.allowFrom, "*") {
		return true
	}
	return slices.Contains(w.allowFrom, sender)
}

type mediaRef struct {
	id       string
	mimeType string
	kind     domain.MediaType
}

// messageContent renders the body of msg. Media messages become a
// "<media:KIND>" placeholder followed by the caption, if any.
func messageContent(msg whatsappMessage) (string, *mediaRef) {
	var (
		m       *whatsappMedia
		kind    domain.MediaType
		caption string
	)
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return "", nil
		}
		return msg.Text.Body, nil
	case "image":
		m, kind = msg.Image, domain.MediaTypeImage
	case "video":
		m, kind = msg.Video, domain.MediaTypeVideo
	case "document":
		m, kind = msg.Document, domain.MediaTypeDocument
	case "sticker":
		m, kind = msg.Sticker, domain.MediaTypeSticker
	case "audio":
		m, kind = msg.Audio, domain.MediaTypeAudio
		if m != nil && m.Voice {
			kind = domain.MediaTypeVoice
		}
	default:
		return "", nil
	}
	if m == nil {
		return "", nil
	}
	caption = strings.TrimSpace(m.Caption)

	// Voice notes render as <media:audio> so placeholders match across audio kinds.
	placeholder := kind.MediaPlaceholder()
	if kind == domain.MediaTypeVoice {
		placeholder = domain.MediaTypeAudio.MediaPlaceholder()
	}
	body := placeholder
	if caption != "" {
		body += " " + caption
	}
	return body, &mediaRef{id: m.ID, mimeType: m.MIMEType, kind: kind}
}

func contactName(contacts []whatsappContact, waID string) string {
	for _, c := range contacts {
		if c.WaID == strings.TrimPrefix(waID, "+") || c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}

// e164 returns waID with a leading "+".
func e164(waID string) string {
	waID = strings.TrimSpace(waID)
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// recentBodies remembers the bodies of the last n messages so replies can
// quote them. The Cloud API only sends the quoted message's ID.
type recentBodies struct {
	mu    sync.Mutex
	limit int
	order []string
	byID  map[string]string
}

func newRecentBodies(limit int) *recentBodies {
	return &recentBodies{limit: limit, byID: make(map[string]string, limit)}
}

func (r *recentBodies) put(id, body string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		r.order = append(r.order, id)
		if len(r.order) > r.limit {
			delete(r.byID, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.byID[id] = body
}

func (r *recentBodies) get(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	return b, ok
}

// --- WhatsApp Cloud API types ---

type whatsappWebhookPayload struct {
	Object string          `json:"object"`
	Entry  []whatsappEntry `json:"entry"`
}

type whatsappEntry struct {
	ID      string           `json:"id"`
	Changes []whatsappChange `json:"changes"`
}

type whatsappChange struct {
	Field string              `json:"field"`
	Value whatsappChangeValue `json:"value"`
}

type whatsappChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         whatsappMetadata  `json:"metadata"`
	Contacts         []whatsappContact `json:"contacts"`
	Messages         []whatsappMessage `json:"messages"`
}

type whatsappMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type whatsappContact struct {
	WaID    string          `json:"wa_id"`
	Profile whatsappProfile `json:"profile"`
}

type whatsappProfile struct {
	Name string `json:"name"`
}

type whatsappMessage struct {
	From      string           `json:"from"`
	ID        string           `json:"id"`
	Timestamp string           `json:"timestamp"`
	Type      string           `json:"type"`
	GroupID   string           `json:"group_id,omitempty"`
	Context   *whatsappContext `json:"context,omitempty"`
	Text      *whatsappText    `json:"text,omitempty"`
	Image     *whatsappMedia   `json:"image,omitempty"`
	Video     *whatsappMedia   `json:"video,omitempty"`
	Document  *whatsappMedia   `json:"document,omitempty"`
	Sticker   *whatsappMedia   `json:"sticker,omitempty"`
	Audio     *whatsappMedia   `json:"audio,omitempty"`
}

type whatsappContext struct {
	From string `json:"from"`
	ID   string `json:"id"`
}

type whatsappText struct {
	Body string `json:"body"`
}

type whatsappMedia struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}
