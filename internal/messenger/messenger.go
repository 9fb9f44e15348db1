// Package messenger is the boundary to the messaging platform.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"promobot/internal/ads"
)

var ErrNoDestination = errors.New("no destination")

// Client sends and manages delivered messages. Channel IDs and message refs
// are opaque strings owned by the implementation.
type Client interface {
	Send(ctx context.Context, tenant, channel string, c ads.Content) (ref string, err error)
	// Exists reports whether a delivered message can still be resolved.
	Exists(ctx context.Context, channel, ref string) (bool, error)
	// StripControls removes interactive controls (the link button).
	StripControls(ctx context.Context, channel, ref string) error
	Delete(ctx context.Context, channel, ref string) error
	Channels(ctx context.Context, tenant string) ([]Channel, error)
	Roles(ctx context.Context, tenant string) ([]Role, error)
}

type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Writable bool   `json:"writable"`
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Destination is a parsed "<chat_id>" or "<chat_id>:<thread_id>" channel ID.
type Destination struct {
	ChatID   int64
	ThreadID int
}

func ParseDestination(s string) (Destination, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return Destination{}, fmt.Errorf("invalid channel id %q", s)
	}
	d := Destination{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return Destination{}, fmt.Errorf("invalid thread id in %q", s)
		}
		d.ThreadID = tid
	}
	return d, nil
}

func (d Destination) String() string {
	if d.ThreadID > 0 {
		return fmt.Sprintf("%d:%d", d.ChatID, d.ThreadID)
	}
	return strconv.FormatInt(d.ChatID, 10)
}

// MentionPrefix renders role mentions as "@name" using the tenant's roles.
// Unknown roles are mentioned by ID.
func MentionPrefix(mentions []string, roles []Role) string {
	if len(mentions) == 0 {
		return ""
	}
	names := make(map[string]string, len(roles))
	for _, r := range roles {
		names[r.ID] = r.Name
	}
	parts := make([]string, 0, len(mentions))
	for _, m := range mentions {
		n := names[m]
		if n == "" {
			n = m
		}
		parts = append(parts, "@"+strings.TrimPrefix(n, "@"))
	}
	return strings.Join(parts, " ")
}

// FormatText renders content as plain text with the mention prefix.
func FormatText(c ads.Content, roles []Role) string {
	text := c.Text()
	if p := MentionPrefix(c.Mentions, roles); p != "" {
		if text == "" {
			return p
		}
		return p + "\n" + text
	}
	return text
}
