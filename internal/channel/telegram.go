package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramMaxMedia       = 20 << 20
)

// Telegram implements domain.Channel for a Telegram bot using long polling.
type Telegram struct {
	token        string
	allowFrom    []int64 // empty allows everyone
	apiEndpoint  string
	fileEndpoint string
	client       *http.Client

	bot     *tgbotapi.BotAPI
	bus     domain.MessageBus
	history History
	logger  *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids as strings
	History   History
	Logger    *slog.Logger

	// Endpoints default to the public Bot API; both are fmt patterns taking the
	// token and the method or file path.
	APIEndpoint  string
	FileEndpoint string
	Client       *http.Client
}

var _ domain.Channel = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:        cfg.Token,
		allowFrom:    allowed,
		apiEndpoint:  cfg.APIEndpoint,
		fileEndpoint: cfg.FileEndpoint,
		client:       cfg.Client,
		history:      cfg.History,
		logger:       cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot. Start calls it when needed.
func (t *Telegram) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.apiEndpoint, t.client)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus
	if err := t.Connect(); err != nil {
		return err
	}
	bus.OnOutbound(t.Name(), outbound(ctx, t, t.logger))

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return
	}

	msg := t.toMessage(m)
	t.logger.Info("telegram message received", "user_id", m.From.ID, "chat_id", m.Chat.ID, "type", msg.Type)
	record(ctx, t.history, t.Name(), msg, t.logger)

	if msg.Body != "" || msg.HasMedia {
		_, _ = t.bot.Request(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping))
	}
	t.bus.Publish(domain.InboundMessage{Channel: t.Name(), Message: msg})
}

func (t *Telegram) toMessage(m *tgbotapi.Message) domain.Message {
	msg := domain.Message{
		ID:        strconv.Itoa(m.MessageID),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		Timestamp: time.Unix(int64(m.Date), 0),
		Body:      m.Text,
		Type:      domain.TypeChat,
	}
	if m.From != nil {
		msg.Sender = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		msg.FromSelf = t.bot != nil && m.From.ID == t.bot.Self.ID
	}

	media := func(typ domain.MessageType, fileID, mimeType string) {
		msg.Type = typ
		msg.HasMedia = true
		msg.MediaRef = fileID
		msg.MimeType = mimeType
		if msg.Body == "" {
			msg.Body = m.Caption
		}
	}
	switch {
	case m.Voice != nil:
		media(domain.TypeVoice, m.Voice.FileID, orDefault(m.Voice.MimeType, "audio/ogg"))
	case m.Audio != nil:
		media(domain.TypeAudio, m.Audio.FileID, orDefault(m.Audio.MimeType, "audio/mpeg"))
	case len(m.Photo) > 0:
		// Sizes are ordered smallest first.
		media(domain.TypeImage, m.Photo[len(m.Photo)-1].FileID, "image/jpeg")
	case m.Sticker != nil:
		media(domain.TypeSticker, m.Sticker.FileID, "image/webp")
	case m.Document != nil:
		media(domain.TypeOther, m.Document.FileID, m.Document.MimeType)
	}
	return msg
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// --- Transport ---

func (t *Telegram) FetchHistory(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if t.history == nil {
		return nil, errors.New("telegram: no history store configured")
	}
	return t.history.Recent(ctx, t.Name(), chatID, limit)
}

func (t *Telegram) GetChat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	id, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}
	// Telegram user ids are positive, group and channel ids negative.
	return domain.Chat{ID: msg.ChatID, IsGroup: id < 0}, nil
}

func (t *Telegram) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	if err := t.Connect(); err != nil {
		return nil, err
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: msg.MediaRef})
	if err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(t.fileEndpoint, t.token, file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram file download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram file download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, telegramMaxMedia))
	if err != nil {
		return nil, fmt.Errorf("telegram file read: %w", err)
	}
	return &domain.MediaPayload{MimeType: msg.MimeType, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

// Send delivers resp to the chat. Voice answers are sent as voice notes when
// they are OGG, as audio files otherwise.
func (t *Telegram) Send(ctx context.Context, chatID string, resp *domain.ProviderResponse) error {
	if err := t.Connect(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	if resp.IsAudio() {
		data, err := base64.StdEncoding.DecodeString(resp.Audio.Data)
		if err != nil {
			return fmt.Errorf("decode audio: %w", err)
		}
		file := tgbotapi.FileBytes{Name: "reply" + audioExtension(resp.Audio.MimeType), Bytes: data}
		var c tgbotapi.Chattable = tgbotapi.NewAudio(id, file)
		if baseMIME(resp.Audio.MimeType) == "audio/ogg" {
			c = tgbotapi.NewVoice(id, file)
		}
		sent, err := t.bot.Send(c)
		if err != nil {
			return fmt.Errorf("telegram send audio: %w", err)
		}
		out := t.toMessage(&sent)
		out.Body = resp.RawText
		record(ctx, t.history, t.Name(), out, t.logger)
		return nil
	}

	if resp.Text == "" {
		return nil
	}
	for _, chunk := range splitMessage(resp.Text, telegramMaxMsgLen) {
		sent, err := t.sendChunk(id, chunk)
		if err != nil {
			return err
		}
		record(ctx, t.history, t.Name(), t.toMessage(&sent), t.logger)
	}
	return nil
}

// React sets an emoji reaction through setMessageReaction, which this client
// version has no typed config for.
func (t *Telegram) React(ctx context.Context, msg domain.Message, emoji string) error {
	if err := t.Connect(); err != nil {
		return err
	}
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	params := tgbotapi.Params{
		"chat_id":    msg.ChatID,
		"message_id": msg.ID,
		"reaction":   string(reaction),
	}
	if _, err := t.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring line breaks.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendChunk sends one text message, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return sent, nil
		}
		lastErr = err

		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			retryAfter := time.Duration(tgErr.RetryAfter) * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}
		if errors.As(err, &tgErr) && tgErr.Code == http.StatusBadRequest {
			break
		}
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("telegram send: %w", lastErr)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
