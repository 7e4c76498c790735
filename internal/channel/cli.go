package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/domain"
)

const (
	consoleChatID = "console"
	consoleUser   = "you"
)

// Console implements domain.Channel for an interactive terminal chat. It keeps
// its own history so the pipeline sees the conversation like any other chat.
type Console struct {
	bus     domain.MessageBus
	history History
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	botName string
	seq     atomic.Int64

	outMu sync.Mutex
}

type ConsoleConfig struct {
	History History
	BotName string
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

var _ domain.Channel = (*Console)(nil)

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BotName == "" {
		cfg.BotName = "bot"
	}
	return &Console{
		history: cfg.History,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		botName: cfg.BotName,
	}
}

func (c *Console) Name() string { return "console" }

// Start runs the REPL and blocks until EOF, /quit or context cancellation.
func (c *Console) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound(c.Name(), outbound(ctx, c, c.logger))

	c.printf("%s console. Type a message and press Enter, /quit to exit.\nyou> ", c.botName)

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.printf("you> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		msg := c.Message(line)
		record(ctx, c.history, c.Name(), msg, c.logger)
		c.bus.Publish(domain.InboundMessage{Channel: c.Name(), Message: msg})
	}
}

// Message wraps a typed line as an inbound chat message.
func (c *Console) Message(body string) domain.Message {
	return domain.Message{
		ID:         c.nextID(),
		ChatID:     consoleChatID,
		Sender:     consoleUser,
		SenderName: consoleUser,
		Timestamp:  time.Now(),
		Body:       body,
		Type:       domain.TypeChat,
	}
}

func (c *Console) nextID() string {
	return "console-" + strconv.FormatInt(c.seq.Add(1), 10)
}

func (c *Console) Stop() error { return nil }

func (c *Console) FetchHistory(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if c.history == nil {
		return nil, errors.New("console: no history store configured")
	}
	return c.history.Recent(ctx, c.Name(), chatID, limit)
}

func (c *Console) DownloadMedia(ctx context.Context, msg domain.Message) (*domain.MediaPayload, error) {
	return nil, errors.New("console: media is not supported")
}

func (c *Console) GetChat(ctx context.Context, msg domain.Message) (domain.Chat, error) {
	return domain.Chat{ID: msg.ChatID}, nil
}

// Send prints the answer. Audio answers are shown as their transcript.
func (c *Console) Send(ctx context.Context, recipient string, resp *domain.ProviderResponse) error {
	text := resp.Text
	if resp.IsAudio() {
		text = fmt.Sprintf("[voice reply, %s] %s", resp.Audio.MimeType, resp.RawText)
	}
	if text == "" {
		return nil
	}
	record(ctx, c.history, c.Name(), domain.Message{
		ID:        c.nextID(),
		ChatID:    recipient,
		Sender:    c.botName,
		Timestamp: time.Now(),
		Body:      resp.RawText,
		Type:      domain.TypeChat,
		FromSelf:  true,
	}, c.logger)
	c.printf("%s> %s\nyou> ", c.botName, text)
	return nil
}

func (c *Console) React(ctx context.Context, msg domain.Message, emoji string) error {
	c.printf("%s reacted %s to %q\nyou> ", c.botName, emoji, msg.Body)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
