package messenger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"promobot/internal/ads"
)

func TestParseDestination(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Destination
		ok   bool
	}{
		{"-1001234", Destination{ChatID: -1001234}, true},
		{"-1001234:17", Destination{ChatID: -1001234, ThreadID: 17}, true},
		{" 42 ", Destination{ChatID: 42}, true},
		{"0", Destination{}, false},
		{"general", Destination{}, false},
		{"-100:x", Destination{}, false},
	}
	for _, tc := range cases {
		got, err := ParseDestination(tc.in)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
		require.Equal(t, got, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, s string) Destination {
	t.Helper()
	d, err := ParseDestination(s)
	require.NoError(t, err)
	return d
}

func TestFormatText(t *testing.T) {
	t.Parallel()

	c := ads.Content{Title: "Sale", Body: "Today only", Mentions: []string{"r1", "r2"}}
	got := FormatText(c, []Role{{ID: "r1", Name: "vip"}})
	require.Equal(t, "@vip @r2\nSale\n\nToday only", got)
	require.Equal(t, "Sale", FormatText(ads.Content{Title: "Sale"}, nil))
}

func TestMemoryClient(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()
	dir.Set("t1", []Channel{{ID: "1", Name: "general", Writable: true}}, []Role{{ID: "r", Name: "all"}})
	m := NewMemory(dir)
	ctx := context.Background()

	chans, err := m.Channels(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, chans, 1)
	require.Equal(t, []string{"t1"}, dir.Tenants())

	ref, err := m.Send(ctx, "t1", "1", ads.Content{Title: "x", Mentions: []string{"r"}, Button: &ads.Button{Label: "go", URL: "https://x.example"}})
	require.NoError(t, err)
	require.Equal(t, "@all\nx", m.Messages()[0].Text)

	ok, err := m.Exists(ctx, "1", ref)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.StripControls(ctx, "1", ref))
	require.Nil(t, m.Messages()[0].Content.Button)

	require.NoError(t, m.Delete(ctx, "1", ref))
	ok, _ = m.Exists(ctx, "1", ref)
	require.False(t, ok)
	require.Error(t, m.StripControls(ctx, "1", ref))

	m.SetFail(func(ch string) error { return errors.New("forbidden") })
	_, err = m.Send(ctx, "t1", "1", ads.Content{Title: "y"})
	require.EqualError(t, err, "forbidden")
	require.Equal(t, 0, m.CountTo("1"))
}
