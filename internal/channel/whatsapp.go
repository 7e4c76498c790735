package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const (
	whatsappAPIBase     = "https://graph.facebook.com/v21.0"
	whatsappWebhookPath = "/webhook/whatsapp"
	whatsappMaxMedia    = 16 << 20
)

// WhatsApp implements domain.Channel for the WhatsApp Business Cloud API.
// Inbound messages arrive through the webhook handlers, which the server mounts.
type WhatsApp struct {
	cfg     config.WhatsAppConfig
	apiBase string
	history History
	bus     domain.MessageBus
	logger  *slog.Logger
	client  *http.Client

	maxMedia int64
}

type WhatsAppChannelConfig struct {
	Config  config.WhatsAppConfig
	History History
	Client  *http.Client
	Logger  *slog.Logger
}

var _ domain.Channel = (*WhatsApp)(nil)

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	apiBase := cfg.Config.APIBase
	if apiBase == "" {
		apiBase = whatsappAPIBase
	}
	return &WhatsApp{
		cfg:     cfg.Config,
		apiBase: strings.TrimRight(apiBase, "/"),
		history: cfg.History,
		logger:  cfg.Logger,
		client:  cfg.Client,

		maxMedia: whatsappMaxMedia,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// WebhookPath is where Meta delivers verification requests and messages.
func (w *WhatsApp) WebhookPath() string {
	if w.cfg.WebhookPath == "" {
		return whatsappWebhookPath
	}
	return w.cfg.WebhookPath
}

func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	bus.OnOutbound(w.Name(), outbound(ctx, w, w.logger))
	w.logger.Info("whatsapp channel ready", "webhook", w.WebhookPath())
	return nil
}

func (w *WhatsApp) Stop() error { return nil }

// --- Transport ---

func (w *WhatsApp) FetchHistory(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if w.history == nil {
		return nil, errors.New("whatsapp: no history store configured")
	}
	return w.history.Recent(ctx, w.Name(), chatID, limit)
}

// GetChat reports every chat as direct: the Cloud API only delivers 1:1 chats.
func (w *WhatsApp) GetChat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	return domain.Chat{ID: msg.ChatID}, nil
}

// DownloadMedia resolves the media id to a short-lived URL and fetches it.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	if msg.MediaRef == "" {
		return nil, fmt.Errorf("whatsapp: message %s has no media", msg.ID)
	}
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := w.call(ctx, http.MethodGet, "/"+msg.MediaRef, nil, &meta); err != nil {
		return nil, fmt.Errorf("whatsapp media lookup: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp media download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whatsapp media download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, w.maxMedia+1))
	if err != nil {
		return nil, fmt.Errorf("whatsapp media read: %w", err)
	}
	if int64(len(data)) > w.maxMedia {
		return nil, fmt.Errorf("whatsapp media %s exceeds %d bytes", msg.MediaRef, w.maxMedia)
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = msg.MimeType
	}
	return &domain.MediaPayload{MimeType: baseMIME(mimeType), Data: base64.StdEncoding.EncodeToString(data)}, nil
}

// Send delivers a text or audio answer. Audio is uploaded first and sent by id.
func (w *WhatsApp) Send(ctx context.Context, recipient string, resp *domain.ProviderResponse) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
	}
	sent := domain.Message{
		ChatID:    recipient,
		Sender:    w.cfg.PhoneNumberID,
		Timestamp: time.Now(),
		FromSelf:  true,
	}

	switch {
	case resp.IsAudio():
		mediaID, err := w.uploadMedia(ctx, resp.Audio)
		if err != nil {
			return err
		}
		payload["type"] = "audio"
		payload["audio"] = map[string]string{"id": mediaID}
		sent.Type = domain.TypeAudio
		sent.HasMedia = true
		sent.MediaRef = mediaID
		sent.MimeType = resp.Audio.MimeType
	case resp.Text != "":
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": resp.Text}
		sent.Type = domain.TypeChat
		sent.Body = resp.Text
	default:
		return nil
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := w.call(ctx, http.MethodPost, "/"+w.cfg.PhoneNumberID+"/messages", payload, &out); err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	if len(out.Messages) > 0 {
		sent.ID = out.Messages[0].ID
		record(ctx, w.history, w.Name(), sent, w.logger)
	}
	return nil
}

func (w *WhatsApp) React(ctx context.Context, msg domain.Message, emoji string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.ChatID,
		"type":              "reaction",
		"reaction":          map[string]string{"message_id": msg.ID, "emoji": emoji},
	}
	if err := w.call(ctx, http.MethodPost, "/"+w.cfg.PhoneNumberID+"/messages", payload, nil); err != nil {
		return fmt.Errorf("whatsapp react: %w", err)
	}
	return nil
}

func (w *WhatsApp) uploadMedia(ctx context.Context, media *domain.MediaPayload) (string, error) {
	data, err := base64.StdEncoding.DecodeString(media.Data)
	if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("messaging_product", "whatsapp")
	_ = mw.WriteField("type", media.MimeType)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="reply`+audioExtension(media.MimeType)+`"`)
	h.Set("Content-Type", media.MimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.apiBase+"/"+w.cfg.PhoneNumberID+"/media", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		ID string `json:"id"`
	}
	if err := w.do(req, &out); err != nil {
		return "", fmt.Errorf("whatsapp media upload: %w", err)
	}
	return out.ID, nil
}

// call sends a JSON request to the Graph API and decodes the JSON answer into out.
func (w *WhatsApp) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return w.do(req, out)
}

func (w *WhatsApp) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Webhook handlers ---

// HandleVerification answers the webhook subscription challenge.
func (w *WhatsApp) HandleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// HandleIncoming records and publishes the messages of a webhook delivery.
func (w *WhatsApp) HandleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	if w.cfg.AppSecret != "" && !w.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg := m.toMessage(names[m.From])
				w.logger.Info("whatsapp message received", "from", msg.Sender, "type", msg.Type)
				record(r.Context(), w.history, w.Name(), msg, w.logger)
				if w.bus != nil {
					w.bus.Publish(domain.InboundMessage{Channel: w.Name(), Message: msg})
				}
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks the X-Hub-Signature-256 header.
func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(computed))
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Sticker   *waMedia `json:"sticker,omitempty"`
	Document  *waMedia `json:"document,omitempty"`
	Video     *waMedia `json:"video,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

func (m waMessage) toMessage(senderName string) domain.Message {
	msg := domain.Message{
		ID:         m.ID,
		ChatID:     m.From,
		Sender:     m.From,
		SenderName: senderName,
		Timestamp:  time.Now(),
		Type:       domain.TypeOther,
	}
	if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = time.Unix(sec, 0)
	}

	var media *waMedia
	switch m.Type {
	case "text":
		msg.Type = domain.TypeChat
		if m.Text != nil {
			msg.Body = m.Text.Body
		}
	case "image":
		msg.Type, media = domain.TypeImage, m.Image
	case "audio":
		msg.Type, media = domain.TypeAudio, m.Audio
		if media != nil && media.Voice {
			msg.Type = domain.TypeVoice
		}
	case "sticker":
		msg.Type, media = domain.TypeSticker, m.Sticker
	case "document":
		media = m.Document
	case "video":
		media = m.Video
	}
	if media != nil {
		msg.HasMedia = true
		msg.MediaRef = media.ID
		msg.MimeType = baseMIME(media.MimeType)
		if msg.Body == "" {
			msg.Body = media.Caption
		}
	}
	return msg
}

// baseMIME strips parameters such as "; codecs=opus".
func baseMIME(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.TrimSpace(base)
}

func audioExtension(mimeType string) string {
	switch baseMIME(mimeType) {
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".mp3"
	}
}
