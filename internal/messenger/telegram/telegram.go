// Package telegram implements messenger.Client on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	tele "gopkg.in/telebot.v4"

	"promobot/internal/ads"
	"promobot/internal/messenger"
	logx "promobot/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
	markupTTL    = 48 * time.Hour
)

type Config struct {
	Token   string
	URL     string // Bot API base, empty for the public endpoint
	OpsChat string // destination for operator log lines
	Timeout time.Duration
	Offline bool // skip getMe at construction
}

// Client sends ads as Telegram messages. Channels and roles come from the
// directory because the Bot API cannot enumerate chats.
type Client struct {
	cfg Config
	bot *tele.Bot
	dir *messenger.Directory
	log logx.Logger

	// markups holds the keyboard sent with each message so Exists can probe
	// it with a no-op edit.
	markups *cache.Cache
}

var _ messenger.Client = (*Client)(nil)

func New(cfg Config, dir *messenger.Directory, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if dir == nil {
		dir = messenger.NewDirectory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		bot:     b,
		dir:     dir,
		log:     log.With(logx.String("comp", "telegram")),
		markups: cache.New(markupTTL, time.Hour),
	}, nil
}

func (c *Client) Send(ctx context.Context, tenant, channel string, content ads.Content) (string, error) {
	dest, err := messenger.ParseDestination(channel)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat := &tele.Chat{ID: dest.ChatID}
	text := messenger.FormatText(content, c.dir.Roles(tenant))

	var rm *tele.ReplyMarkup
	if content.Button != nil {
		rm = &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL(content.Button.Label, content.Button.URL)))
	}
	opts := func(withMarkup bool) *tele.SendOptions {
		o := &tele.SendOptions{ThreadID: dest.ThreadID}
		if withMarkup && rm != nil {
			o.ReplyMarkup = rm
		}
		return o
	}

	if content.ImageURL != "" {
		photo := &tele.Photo{File: tele.FromURL(content.ImageURL)}
		if len([]rune(text)) <= captionLimit {
			photo.Caption = text
			msg, err := c.bot.Send(chat, photo, opts(true))
			if err != nil {
				return "", err
			}
			return c.remember(msg, rm), nil
		}
		if _, err := c.bot.Send(chat, photo, opts(false)); err != nil {
			return "", err
		}
	}

	chunks := splitTelegramText(text, textLimit)
	var first *tele.Message
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			break
		}
		msg, err := c.bot.Send(chat, chunk, opts(i == 0))
		if err != nil {
			if first != nil {
				break
			}
			return "", err
		}
		if i == 0 {
			first = msg
		}
	}
	if first == nil {
		return "", ctx.Err()
	}
	return c.remember(first, rm), nil
}

func (c *Client) remember(msg *tele.Message, rm *tele.ReplyMarkup) string {
	ref := strconv.Itoa(msg.ID)
	if rm == nil {
		rm = &tele.ReplyMarkup{}
	}
	c.markups.SetDefault(markupKey(msg.Chat.ID, ref), rm)
	return ref
}

func markupKey(chatID int64, ref string) string {
	return strconv.FormatInt(chatID, 10) + "/" + ref
}

func stored(dest messenger.Destination, ref string) tele.StoredMessage {
	return tele.StoredMessage{MessageID: ref, ChatID: dest.ChatID}
}

// Exists re-applies the keyboard the message was sent with. Telegram answers
// "not modified" for a live message and "not found" for a deleted one.
// Messages sent before a restart cannot be probed and count as existing.
func (c *Client) Exists(ctx context.Context, channel, ref string) (bool, error) {
	dest, err := messenger.ParseDestination(channel)
	if err != nil {
		return false, err
	}
	v, ok := c.markups.Get(markupKey(dest.ChatID, ref))
	if !ok {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err = c.bot.EditReplyMarkup(stored(dest, ref), v.(*tele.ReplyMarkup))
	switch {
	case err == nil, isNotModified(err):
		return true, nil
	case isNotFound(err):
		c.markups.Delete(markupKey(dest.ChatID, ref))
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) StripControls(ctx context.Context, channel, ref string) error {
	dest, err := messenger.ParseDestination(channel)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = c.bot.EditReplyMarkup(stored(dest, ref), nil)
	if err != nil && !isNotModified(err) {
		return err
	}
	c.markups.SetDefault(markupKey(dest.ChatID, ref), &tele.ReplyMarkup{})
	return nil
}

func (c *Client) Delete(ctx context.Context, channel, ref string) error {
	dest, err := messenger.ParseDestination(channel)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.bot.Delete(stored(dest, ref)); err != nil && !isNotFound(err) {
		return err
	}
	c.markups.Delete(markupKey(dest.ChatID, ref))
	return nil
}

func (c *Client) Channels(_ context.Context, tenant string) ([]messenger.Channel, error) {
	return c.dir.Channels(tenant), nil
}

func (c *Client) Roles(_ context.Context, tenant string) ([]messenger.Role, error) {
	return c.dir.Roles(tenant), nil
}

// SendOps delivers an operator log line to the configured ops chat.
func (c *Client) SendOps(ctx context.Context, text string) error {
	if strings.TrimSpace(c.cfg.OpsChat) == "" {
		return errors.New("telegram ops chat not configured")
	}
	dest, err := messenger.ParseDestination(c.cfg.OpsChat)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = c.bot.Send(&tele.Chat{ID: dest.ChatID}, text, &tele.SendOptions{ThreadID: dest.ThreadID, DisableWebPagePreview: true})
	return err
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func isNotFound(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to edit not found") ||
		strings.Contains(s, "message to delete not found") ||
		strings.Contains(s, "message_id_invalid")
}
