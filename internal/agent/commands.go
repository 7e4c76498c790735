package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relaybot/internal/cache"
	"relaybot/internal/domain"
	"relaybot/internal/provider"
	"relaybot/internal/settings"
)

// CommandKind identifies a chat command.
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdHelp
	CmdStatus
	CmdReset
	CmdMode
	CmdUpdate
)

// Command is a parsed chat command. Arg holds the text after -mode or -update.
type Command struct {
	Kind CommandKind
	Arg  string
}

const (
	cmdHelp   = "-help"
	cmdStatus = "-status"
	cmdReset  = "-reset"
	cmdMode   = "-mode"
	cmdUpdate = "-update"
)

// ParseCommand classifies a message body. help, status and reset must match the
// whole trimmed body; mode and update are prefix commands.
func ParseCommand(body string) Command {
	text := strings.TrimSpace(body)
	switch text {
	case cmdHelp:
		return Command{Kind: CmdHelp}
	case cmdStatus:
		return Command{Kind: CmdStatus}
	case cmdReset:
		return Command{Kind: CmdReset}
	case cmdMode:
		return Command{Kind: CmdMode}
	case cmdUpdate:
		return Command{Kind: CmdUpdate}
	}
	if arg, ok := cutCommand(text, cmdMode); ok {
		return Command{Kind: CmdMode, Arg: arg}
	}
	if arg, ok := cutCommand(text, cmdUpdate); ok {
		return Command{Kind: CmdUpdate, Arg: arg}
	}
	return Command{Kind: CmdNone}
}

// IsResetMarker reports whether body is the reset command.
func IsResetMarker(body string) bool {
	return strings.TrimSpace(body) == cmdReset
}

func cutCommand(text, name string) (string, bool) {
	rest, ok := strings.CutPrefix(text, name)
	if !ok || rest == "" {
		return "", false
	}
	// "-modeX" is not a command.
	if rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// conversationForgetter is implemented by backends that keep server-side
// conversations per sender.
type conversationForgetter interface {
	Forget(ctx context.Context, sender string) error
}

// Commands executes chat commands against the shared settings.
type Commands struct {
	settings *settings.Settings
	registry *provider.Registry
	caches   *cache.Set
	logger   *slog.Logger
}

type CommandsConfig struct {
	Settings *settings.Settings
	Registry *provider.Registry
	Caches   *cache.Set // optional, reported by -status
	Logger   *slog.Logger
}

func NewCommands(cfg CommandsConfig) *Commands {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Commands{
		settings: cfg.Settings,
		registry: cfg.Registry,
		caches:   cfg.Caches,
		logger:   cfg.Logger,
	}
}

// Execute runs cmd for msg and returns the reply text. It never calls a backend.
func (c *Commands) Execute(ctx context.Context, cmd Command, msg domain.Message) string {
	switch cmd.Kind {
	case CmdHelp:
		return c.helpText()
	case CmdStatus:
		return c.statusText(ctx)
	case CmdReset:
		return c.reset(ctx, msg.Sender)
	case CmdMode:
		return c.switchMode(cmd.Arg)
	case CmdUpdate:
		c.settings.SetPrompt(cmd.Arg)
		if cmd.Arg == "" {
			return "Custom prompt cleared."
		}
		return fmt.Sprintf("Custom prompt updated to: %s", cmd.Arg)
	default:
		return ""
	}
}

func (c *Commands) reset(ctx context.Context, sender string) string {
	if c.settings.Mode() == domain.ModeAgent && c.registry != nil {
		if p, err := c.registry.Get(domain.ModeAgent); err == nil {
			if f, ok := p.(conversationForgetter); ok {
				if err := f.Forget(ctx, sender); err != nil {
					c.logger.Warn("failed to drop conversation id", "sender", sender, "err", err)
				}
			}
		}
	}
	return "Conversation reset. Earlier messages will be ignored."
}

func (c *Commands) switchMode(arg string) string {
	if arg == "" {
		return fmt.Sprintf("Current mode: %s. Available modes: %s", c.settings.Mode(), modeList())
	}
	mode, ok := domain.ParseMode(arg)
	if !ok {
		return fmt.Sprintf("Invalid mode %q. Available modes: %s", arg, modeList())
	}
	c.settings.SetMode(mode)
	if c.registry != nil {
		if _, err := c.registry.Get(mode); err != nil {
			return fmt.Sprintf("Mode switched to %s, but that backend is not configured.", mode)
		}
	}
	return fmt.Sprintf("Mode switched to %s.", mode)
}

func modeList() string {
	names := make([]string, len(domain.Modes))
	for i, m := range domain.Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func (c *Commands) helpText() string {
	return fmt.Sprintf(`%s commands

-help : show this message
-status : show the current mode and prompt
-reset : forget everything said before this message
-mode <%s> : switch the answering backend
-update <prompt> : replace the custom prompt (empty clears it)`,
		c.settings.Name(), strings.ReplaceAll(modeList(), ", ", "|"))
}

func (c *Commands) statusText(ctx context.Context) string {
	s := c.settings.Snapshot()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Name: %s\n", s.Name))
	sb.WriteString(fmt.Sprintf("Mode: %s\n", s.Mode))
	if s.Prompt == "" {
		sb.WriteString("Prompt: (none)\n")
	} else {
		sb.WriteString(fmt.Sprintf("Prompt: %s\n", s.Prompt))
	}
	if c.registry != nil {
		var modes []string
		for _, m := range c.registry.Modes() {
			modes = append(modes, string(m))
		}
		sb.WriteString(fmt.Sprintf("Configured backends: %s\n", strings.Join(modes, ", ")))
	}
	if c.caches != nil {
		sb.WriteString(fmt.Sprintf("Cached conversations: %d\n", c.caches.Conversations.Len(ctx)))
		sb.WriteString(fmt.Sprintf("Cached transcripts: %d\n", c.caches.Transcripts.Len(ctx)))
		sb.WriteString(fmt.Sprintf("Cached image descriptions: %d\n", c.caches.Interpretations.Len(ctx)))
	}
	return strings.TrimRight(sb.String(), "\n")
}
