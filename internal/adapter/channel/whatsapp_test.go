package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"msgline/internal/domain"
	"msgline/internal/infra/config"
)

func testWhatsAppConfig() config.WhatsAppChannelConfig {
	return config.WhatsAppChannelConfig{
		Enabled:     true,
		Token:       "token",
		PhoneID:     "phone-id",
		VerifyToken: "my-verify-token",
		WebhookAddr: "127.0.0.1:0",
	}
}

type inboundRecorder struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
	err  error
}

func (r *inboundRecorder) handle(_ context.Context, msg domain.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *inboundRecorder) all() []domain.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InboundMessage(nil), r.msgs...)
}

type stubFetcher struct {
	mu    sync.Mutex
	path  string
	err   error
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, mediaID, mimeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mediaID+"|"+mimeType)
	return f.path, f.err
}

func startWhatsApp(t *testing.T, cfg config.WhatsAppChannelConfig, rec *inboundRecorder, opts ...WhatsAppOption) *WhatsAppChannel {
	t.Helper()
	ch := NewWhatsAppChannel(cfg, opts...)
	if err := ch.Start(context.Background(), rec.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { ch.Stop(context.Background()) })
	return ch
}

func messagesPayload(value whatsappChangeValue) whatsappWebhookPayload {
	return whatsappWebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []whatsappEntry{{
			ID:      "entry-1",
			Changes: []whatsappChange{{Field: "messages", Value: value}},
		}},
	}
}

func postPayload(t *testing.T, ch *WhatsAppChannel, payload any, signature string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/webhook", ch.BoundAddr()), strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	return resp
}

func sign(secret string, payload any) string {
	body, _ := json.Marshal(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWhatsAppChannelName(t *testing.T) {
	ch := NewWhatsAppChannel(testWhatsAppConfig())
	if ch.Name() != "whatsapp" {
		t.Errorf("Name = %q, want whatsapp", ch.Name())
	}
}

func TestWhatsAppWebhookVerification(t *testing.T) {
	ch := startWhatsApp(t, testWhatsAppConfig(), &inboundRecorder{})

	url := fmt.Sprintf("http://%s/webhook?hub.mode=subscribe&hub.verify_token=my-verify-token&hub.challenge=test-challenge", ch.BoundAddr())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "test-challenge" {
		t.Errorf("body = %q, want test-challenge", string(body))
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on webhook responses")
	}
}

func TestWhatsAppWebhookVerificationReject(t *testing.T) {
	ch := startWhatsApp(t, testWhatsAppConfig(), &inboundRecorder{})

	url := fmt.Sprintf("http://%s/webhook?hub.mode=subscribe&hub.verify_token=wrong-token&hub.challenge=test", ch.BoundAddr())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWhatsAppHealthz(t *testing.T) {
	ch := startWhatsApp(t, testWhatsAppConfig(), &inboundRecorder{})

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", ch.BoundAddr()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWhatsAppReceiveDirectText(t *testing.T) {
	rec := &inboundRecorder{}
	ch := startWhatsApp(t, testWhatsAppConfig(), rec)

	resp := postPayload(t, ch, messagesPayload(whatsappChangeValue{
		Metadata: whatsappMetadata{PhoneNumberID: "phone-id"},
		Contacts: []whatsappContact{{WaID: "15551234567", Profile: whatsappProfile{Name: "Alice"}}},
		Messages: []whatsappMessage{{
			From: "15551234567", ID: "wamid.1", Timestamp: "1767225600", Type: "text",
			Text: &whatsappText{Body: "Hello"},
		}},
	}), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("handler called %d times, want 1", len(msgs))
	}
	got := msgs[0]
	want := domain.InboundMessage{
		ID:         "wamid.1",
		AccountID:  "phone-id",
		Channel:    "whatsapp",
		Body:       "Hello",
		ChatID:     "+15551234567",
		ChatType:   domain.ChatTypeDirect,
		From:       "whatsapp:+15551234567",
		SenderJID:  "15551234567@s.whatsapp.net",
		SenderName: "Alice",
		SenderE164: "+15551234567",
		Timestamp:  time.Unix(1767225600, 0).UTC(),
	}
	if got != want {
		t.Errorf("inbound = %+v\nwant %+v", got, want)
	}
}

func TestWhatsAppReceiveGroupMessage(t *testing.T) {
	rec := &inboundRecorder{}
	ch := NewWhatsAppChannel(testWhatsAppConfig())
	ch.handler = rec.handle

	ch.processPayload(context.Background(), ptr(messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{{
			From: "15550001111", ID: "wamid.g", Type: "text", GroupID: "120363@g.us",
			Text: &whatsappText{Body: "hi all"},
		}},
	})))

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ChatType != domain.ChatTypeGroup || msgs[0].ChatID != "120363@g.us" || msgs[0].From != "120363@g.us" {
		t.Errorf("unexpected group routing: %+v", msgs[0])
	}
	if msgs[0].SenderE164 != "+15550001111" {
		t.Errorf("SenderE164 = %q", msgs[0].SenderE164)
	}
}

func TestWhatsAppMediaMessages(t *testing.T) {
	tests := []struct {
		name     string
		msg      whatsappMessage
		wantBody string
		wantType domain.MediaType
		wantCall string
	}{
		{
			name:     "image with caption",
			msg:      whatsappMessage{Type: "image", Image: &whatsappMedia{ID: "m1", MIMEType: "image/jpeg", Caption: " look "}},
			wantBody: "<media:image> look",
			wantType: domain.MediaTypeImage,
			wantCall: "m1|image/jpeg",
		},
		{
			name:     "voice note",
			msg:      whatsappMessage{Type: "audio", Audio: &whatsappMedia{ID: "m2", MIMEType: "audio/ogg; codecs=opus", Voice: true}},
			wantBody: "<media:audio>",
			wantType: domain.MediaTypeVoice,
			wantCall: "m2|audio/ogg; codecs=opus",
		},
		{
			name:     "document",
			msg:      whatsappMessage{Type: "document", Document: &whatsappMedia{ID: "m3", MIMEType: "application/pdf", Filename: "a.pdf"}},
			wantBody: "<media:document>",
			wantType: domain.MediaTypeDocument,
			wantCall: "m3|application/pdf",
		},
		{
			name:     "sticker",
			msg:      whatsappMessage{Type: "sticker", Sticker: &whatsappMedia{ID: "m4", MIMEType: "image/webp"}},
			wantBody: "<media:sticker>",
			wantType: domain.MediaTypeSticker,
			wantCall: "m4|image/webp",
		},
		{
			name:     "video",
			msg:      whatsappMessage{Type: "video", Video: &whatsappMedia{ID: "m5", MIMEType: "video/mp4"}},
			wantBody: "<media:video>",
			wantType: domain.MediaTypeVideo,
			wantCall: "m5|video/mp4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &inboundRecorder{}
			fetcher := &stubFetcher{path: "/media/file"}
			ch := NewWhatsAppChannel(testWhatsAppConfig(), WithMediaFetcher(fetcher))
			ch.handler = rec.handle

			tt.msg.From, tt.msg.ID = "15551234567", "wamid."+tt.name
			ch.processPayload(context.Background(), ptr(messagesPayload(whatsappChangeValue{Messages: []whatsappMessage{tt.msg}})))

			msgs := rec.all()
			if len(msgs) != 1 {
				t.Fatalf("got %d messages", len(msgs))
			}
			if msgs[0].Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", msgs[0].Body, tt.wantBody)
			}
			if msgs[0].MediaType != tt.wantType {
				t.Errorf("MediaType = %q, want %q", msgs[0].MediaType, tt.wantType)
			}
			if msgs[0].MediaPath != "/media/file" {
				t.Errorf("MediaPath = %q", msgs[0].MediaPath)
			}
			if len(fetcher.calls) != 1 || fetcher.calls[0] != tt.wantCall {
				t.Errorf("fetch calls = %v, want [%s]", fetcher.calls, tt.wantCall)
			}
		})
	}
}

func TestWhatsAppMediaDownloadFailureKeepsPlaceholder(t *testing.T) {
	rec := &inboundRecorder{}
	ch := NewWhatsAppChannel(testWhatsAppConfig(), WithMediaFetcher(&stubFetcher{err: errors.New("graph down")}))
	ch.handler = rec.handle

	ch.processPayload(context.Background(), ptr(messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{{From: "1", ID: "w", Type: "audio", Audio: &whatsappMedia{ID: "m"}}},
	})))

	msgs := rec.all()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Body != "<media:audio>" || msgs[0].MediaPath != "" || msgs[0].MediaType != domain.MediaTypeAudio {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestWhatsAppReplyQuotesRecentBody(t *testing.T) {
	rec := &inboundRecorder{}
	ch := NewWhatsAppChannel(testWhatsAppConfig())
	ch.handler = rec.handle

	ch.processPayload(context.Background(), ptr(messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{
			{From: "15550001111", ID: "wamid.orig", Type: "text", Text: &whatsappText{Body: "original"}},
			{
				From: "15551234567", ID: "wamid.reply", Type: "text", Text: &whatsappText{Body: "agreed"},
				Context: &whatsappContext{From: "15550001111", ID: "wamid.orig"},
			},
			{
				From: "15551234567", ID: "wamid.reply2", Type: "text", Text: &whatsappText{Body: "what?"},
				Context: &whatsappContext{From: "15550001111", ID: "wamid.unknown"},
			},
		},
	})))

	msgs := rec.all()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	reply := msgs[1]
	if reply.ReplyToID != "wamid.orig" || reply.ReplyToSender != "+15550001111" || reply.ReplyToBody != "original" {
		t.Errorf("unexpected reply fields: %+v", reply)
	}
	if !reply.HasReply() {
		t.Error("expected HasReply")
	}
	if msgs[2].HasReply() {
		t.Error("reply to an unknown message has no quoted body")
	}
	if msgs[2].ReplyToID != "wamid.unknown" {
		t.Errorf("ReplyToID = %q", msgs[2].ReplyToID)
	}
}

func TestWhatsAppAllowFrom(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.AllowFrom = []string{"+15551234567"}
	rec := &inboundRecorder{}
	ch := NewWhatsAppChannel(cfg)
	ch.handler = rec.handle

	ch.processPayload(context.Background(), ptr(messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{
			{From: "15551234567", ID: "a", Type: "text", Text: &whatsappText{Body: "ok"}},
			{From: "15559999999", ID: "b", Type: "text", Text: &whatsappText{Body: "blocked"}},
		},
	})))

	msgs := rec.all()
	if len(msgs) != 1 || msgs[0].ID != "a" {
		t.Errorf("expected only allowed sender, got %+v", msgs)
	}
}

func TestWhatsAppSkipsUnsupportedAndEmpty(t *testing.T) {
	rec := &inboundRecorder{}
	ch := NewWhatsAppChannel(testWhatsAppConfig())
	ch.handler = rec.handle

	payload := messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{
			{From: "1", ID: "a", Type: "reaction"},
			{From: "1", ID: "b", Type: "text"},
			{From: "1", ID: "c", Type: "text", Text: &whatsappText{}},
			{From: "1", ID: "d", Type: "image"},
		},
	})
	payload.Entry[0].Changes = append(payload.Entry[0].Changes, whatsappChange{
		Field: "statuses",
		Value: whatsappChangeValue{Messages: []whatsappMessage{{From: "1", ID: "e", Type: "text", Text: &whatsappText{Body: "x"}}}},
	})
	ch.processPayload(context.Background(), &payload)

	if n := len(rec.all()); n != 0 {
		t.Errorf("expected no dispatch, got %d", n)
	}
}

func TestWhatsAppHandlerErrorDoesNotStopBatch(t *testing.T) {
	rec := &inboundRecorder{err: errors.New("boom")}
	ch := NewWhatsAppChannel(testWhatsAppConfig())
	ch.handler = rec.handle

	ch.processPayload(context.Background(), ptr(messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{
			{From: "1", ID: "a", Type: "text", Text: &whatsappText{Body: "x"}},
			{From: "1", ID: "b", Type: "text", Text: &whatsappText{Body: "y"}},
		},
	})))
	if n := len(rec.all()); n != 2 {
		t.Errorf("handler called %d times, want 2", n)
	}
}

func TestWhatsAppSignatureValidation(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.AppSecret = "s3cret"
	rec := &inboundRecorder{}
	ch := startWhatsApp(t, cfg, rec)

	payload := messagesPayload(whatsappChangeValue{
		Messages: []whatsappMessage{{From: "1", ID: "a", Type: "text", Text: &whatsappText{Body: "signed"}}},
	})

	if resp := postPayload(t, ch, payload, "sha256=deadbeef"); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for bad signature", resp.StatusCode)
	}
	postPayload(t, ch, payload, "")
	if n := len(rec.all()); n != 0 {
		t.Fatalf("unsigned payloads must be dropped, got %d", n)
	}

	postPayload(t, ch, payload, sign("s3cret", payload))
	if n := len(rec.all()); n != 1 {
		t.Errorf("signed payload dispatched %d times, want 1", n)
	}
}

func TestWhatsAppWebhookAlways200(t *testing.T) {
	ch := startWhatsApp(t, testWhatsAppConfig(), &inboundRecorder{})

	resp, err := http.Post(fmt.Sprintf("http://%s/webhook", ch.BoundAddr()), "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for bad payload", resp.StatusCode)
	}
}

func TestWhatsAppWebhookRateLimited(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	ch := startWhatsApp(t, cfg, &inboundRecorder{})

	url := fmt.Sprintf("http://%s/healthz", ch.BoundAddr())
	first, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	first.Body.Close()
	second, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	second.Body.Close()

	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("statuses = %d, %d; want 200, 429", first.StatusCode, second.StatusCode)
	}
}

func TestWhatsAppWebhookRateLimitTrustedProxy(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1, TrustedProxies: []string{"127.0.0.1"}}
	ch := startWhatsApp(t, cfg, &inboundRecorder{})

	get := func(forwardedFor string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/healthz", ch.BoundAddr()), nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("X-Forwarded-For", forwardedFor)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	// Behind a trusted proxy each forwarded client gets its own bucket.
	if got := get("203.0.113.1"); got != http.StatusOK {
		t.Errorf("first client status = %d, want 200", got)
	}
	if got := get("203.0.113.2"); got != http.StatusOK {
		t.Errorf("second client status = %d, want 200", got)
	}
	if got := get("203.0.113.1"); got != http.StatusTooManyRequests {
		t.Errorf("repeat client status = %d, want 429", got)
	}
}

func TestWhatsAppStopWithoutStart(t *testing.T) {
	ch := NewWhatsAppChannel(testWhatsAppConfig())
	if err := ch.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestRecentBodiesEvicts(t *testing.T) {
	r := newRecentBodies(2)
	r.put("a", "1")
	r.put("b", "2")
	r.put("a", "1b") // update does not grow
	r.put("c", "3")

	if _, ok := r.get("a"); ok {
		t.Error("a should have been evicted")
	}
	if b, _ := r.get("b"); b != "2" {
		t.Errorf("b = %q", b)
	}
	if c, _ := r.get("c"); c != "3" {
		t.Errorf("c = %q", c)
	}
	r.put("", "ignored")
	if _, ok := r.get(""); ok {
		t.Error("empty id must not be stored")
	}
}

func TestE164AndParseUnix(t *testing.T) {
	if got := e164("15551234567"); got != "+15551234567" {
		t.Errorf("e164 = %q", got)
	}
	if got := e164("+1"); got != "+1" {
		t.Errorf("e164 = %q", got)
	}
	if got := e164(""); got != "" {
		t.Errorf("e164 = %q", got)
	}
	if !parseUnix("garbage").IsZero() || !parseUnix("").IsZero() {
		t.Error("invalid timestamps must parse as zero")
	}
}

func ptr[T any](v T) *T { return &v }
