package ads

import "strings"

// Button is an inline link control attached to a message.
type Button struct {
	Label string
	URL   string
}

// Content is the platform-neutral message produced for one ad.
type Content struct {
	Mentions []string
	Title    string
	Body     string
	ImageURL string
	Button   *Button
}

// Render builds the message content. Malformed URLs are dropped.
func Render(a Ad) Content {
	c := Content{
		Title: strings.TrimSpace(a.Title),
		Body:  strings.TrimSpace(a.Body),
	}
	for _, m := range a.RoleMentions {
		if m = strings.TrimSpace(m); m != "" {
			c.Mentions = append(c.Mentions, m)
		}
	}
	if ValidURL(a.ImageURL) {
		c.ImageURL = strings.TrimSpace(a.ImageURL)
	}
	if ValidURL(a.LinkURL) {
		label := strings.TrimSpace(a.LinkLabel)
		if label == "" {
			label = DefaultLinkLabel
		}
		c.Button = &Button{Label: label, URL: strings.TrimSpace(a.LinkURL)}
	}
	return c
}

// Text joins title and body the way plain-text platforms show them.
func (c Content) Text() string {
	var parts []string
	if c.Title != "" {
		parts = append(parts, c.Title)
	}
	if c.Body != "" {
		parts = append(parts, c.Body)
	}
	return strings.Join(parts, "\n\n")
}
