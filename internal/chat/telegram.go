// Package chat connects taskbridge to Telegram.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/config"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/router"
)

// MaxMessageRunes is the longest text Telegram accepts in one message.
const MaxMessageRunes = 4096

// ErrInvalidChat is returned for destinations that are neither a numeric
// chat id nor an @username.
var ErrInvalidChat = errors.New("invalid chat reference")

// HandlerFunc receives inbound messages.
type HandlerFunc func(ctx context.Context, msg router.InboundMessage) error

// Telegram is a Bot API client. It implements dispatch.Sender.
type Telegram struct {
	bot         *telego.Bot
	logger      *logging.Logger
	pollTimeout time.Duration
	allowed     map[string]bool
}

// NewTelegram creates a client from cfg. Extra bot options are appended
// after the defaults.
func NewTelegram(cfg config.TelegramConfig, logger *logging.Logger, opts ...telego.BotOption) (*Telegram, error) {
	if !cfg.Token.IsSet() {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("telegram")

	pollTimeout := cfg.PollTimeout.Duration()
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}

	botOpts := []telego.BotOption{
		telego.WithLogger(logger.Underlying().Sugar()),
		// long polls must not be cut by the client
		telego.WithHTTPClient(&http.Client{Timeout: pollTimeout + 15*time.Second}),
	}
	if cfg.APIBase != "" {
		botOpts = append(botOpts, telego.WithAPIServer(strings.TrimRight(cfg.APIBase, "/")))
	}
	botOpts = append(botOpts, opts...)

	bot, err := telego.NewBot(cfg.Token.Value(), botOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	var allowed map[string]bool
	if len(cfg.AllowedChats) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedChats))
		for _, c := range cfg.AllowedChats {
			allowed[strings.TrimSpace(c)] = true
		}
	}

	return &Telegram{bot: bot, logger: logger, pollTimeout: pollTimeout, allowed: allowed}, nil
}

// ParseChatID converts a destination into a Telegram chat id.
func ParseChatID(dest string) (telego.ChatID, error) {
	dest = strings.TrimSpace(dest)
	if strings.HasPrefix(dest, "@") && len(dest) > 1 {
		return tu.Username(dest), nil
	}
	id, err := strconv.ParseInt(dest, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("%w: %q", ErrInvalidChat, dest)
	}
	return tu.ID(id), nil
}

// SendMessage sends content to dest, splitting it into as many messages as
// the length limit requires.
func (t *Telegram) SendMessage(ctx context.Context, dest, content string) error {
	chatID, err := ParseChatID(dest)
	if err != nil {
		return err
	}
	for _, chunk := range SplitMessage(content, MaxMessageRunes) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(chatID, chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// Upload sends r as a document named name.
func (t *Telegram) Upload(ctx context.Context, dest, name string, r io.Reader, caption string) error {
	chatID, err := ParseChatID(dest)
	if err != nil {
		return err
	}
	doc := tu.Document(chatID, tu.File(tu.NameReader(r, name)))
	if caption != "" {
		doc = doc.WithCaption(caption)
	}
	if _, err := t.bot.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// ResolveChat returns the numeric id for a chat reference such as
// "@channel".
func (t *Telegram) ResolveChat(ctx context.Context, ref string) (string, error) {
	chatID, err := ParseChatID(ref)
	if err != nil {
		return "", err
	}
	if chatID.Username == "" {
		return strconv.FormatInt(chatID.ID, 10), nil
	}
	info, err := t.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID})
	if err != nil {
		return "", fmt.Errorf("get chat %s: %w", ref, err)
	}
	return strconv.FormatInt(info.ID, 10), nil
}

// Poll long-polls for messages and passes each to handle until ctx ends.
func (t *Telegram) Poll(ctx context.Context, handle HandlerFunc) error {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        int(t.pollTimeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	bh, err := th.NewBotHandler(t.bot, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}
	bh.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		t.dispatch(hctx, message, handle)
		return nil
	}, th.AnyMessage())

	t.logger.Info(ctx, "telegram polling started", zap.Duration("poll_timeout", t.pollTimeout))
	go bh.Start()

	<-ctx.Done()
	bh.Stop()
	t.logger.Info(context.WithoutCancel(ctx), "telegram polling stopped")
	return nil
}

func (t *Telegram) dispatch(ctx context.Context, message telego.Message, handle HandlerFunc) {
	msg := inbound(message)
	ctx = logging.WithChatID(ctx, msg.Destination)
	if !t.Allowed(msg.Destination) {
		t.logger.Debug(ctx, "message from chat not in allow list")
		return
	}
	if err := handle(ctx, msg); err != nil {
		t.logger.Warn(ctx, "message handling failed", zap.Error(err))
	}
}

// Allowed reports whether messages from dest are accepted. An empty allow
// list accepts every chat.
func (t *Telegram) Allowed(dest string) bool {
	return t.allowed == nil || t.allowed[dest]
}

func inbound(m telego.Message) router.InboundMessage {
	dest := strconv.FormatInt(m.Chat.ID, 10)
	msg := router.InboundMessage{
		Destination: dest,
		MessageID:   dest + ":" + strconv.Itoa(m.MessageID),
		Text:        m.Text,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
	}
	return msg
}

// SplitMessage cuts text into chunks of at most limit runes, preferring
// line breaks.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
