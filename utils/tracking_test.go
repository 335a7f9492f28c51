package utils

import (
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *Tracker {
	return NewTracker("https://t.example.com/", "0123456789abcdef0123456789abcdef")
}

func TestTrackingIDIsDeterministic(t *testing.T) {
	a := TrackingID(1, 2, 3)
	assert.Equal(t, a, TrackingID(1, 2, 3))
	assert.NotEqual(t, a, TrackingID(1, 2, 4))
	assert.NotEqual(t, a, TrackingID(2, 1, 3))
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "<abc@acme.io>", MessageID("abc", "sales@acme.io"))
	assert.Equal(t, "<abc@localhost>", MessageID("abc", "broken"))
}

func TestTrackerApply(t *testing.T) {
	tr := newTestTracker()
	body := `<html><body><p>See <a href="https://example.com/a?x=1&amp;y=2">this</a> and ` +
		`<a href='http://example.org'>that</a>, or <a href="mailto:me@x.io">mail</a>.</p></body></html>`

	out, err := tr.Apply(body, "tid-1", TrackingOptions{TrackOpens: true, TrackClicks: true})
	require.NoError(t, err)

	t.Run("links rewritten", func(t *testing.T) {
		assert.Contains(t, out.HTML, "https://t.example.com/track/click/tid-1?url="+url.QueryEscape("http://example.org"))
		assert.Contains(t, out.HTML, html2("https://t.example.com/track/click/tid-1?url="+url.QueryEscape("https://example.com/a?x=1&y=2")))
		assert.Contains(t, out.HTML, `href="mailto:me@x.io"`)
	})

	t.Run("beacon before body end", func(t *testing.T) {
		pixel := strings.Index(out.HTML, "https://t.example.com/track/open/tid-1")
		end := strings.Index(out.HTML, "</body>")
		require.Greater(t, pixel, 0)
		assert.Less(t, pixel, end)
	})

	t.Run("unsubscribe link and headers", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(out.UnsubscribeURL, "https://t.example.com/unsubscribe/"))
		assert.Contains(t, out.HTML, html2(out.UnsubscribeURL))
		assert.Equal(t, "<"+out.UnsubscribeURL+">", out.Headers["List-Unsubscribe"])
		assert.Equal(t, "List-Unsubscribe=One-Click", out.Headers["List-Unsubscribe-Post"])
	})

	t.Run("unsubscribe link is not click tracked", func(t *testing.T) {
		assert.Equal(t, 2, strings.Count(out.HTML, "/track/click/"))
	})
}

func TestTrackerApplyDisabled(t *testing.T) {
	tr := newTestTracker()
	out, err := tr.Apply(`<p><a href="https://example.com">x</a></p>`, "tid-2", TrackingOptions{})
	require.NoError(t, err)

	assert.NotContains(t, out.HTML, "/track/")
	assert.Contains(t, out.HTML, `href="https://example.com"`)
	assert.Contains(t, out.HTML, "/unsubscribe/")
	assert.NotEmpty(t, out.Headers["List-Unsubscribe"])
}

func TestTrackerApplySkipsAlreadyTrackedLinks(t *testing.T) {
	tr := newTestTracker()
	once, err := tr.Apply(`<p><a href="https://example.com">x</a></p>`, "tid-3", TrackingOptions{TrackClicks: true})
	require.NoError(t, err)

	clickLinks := regexp.MustCompile(`/track/click/`).FindAllStringIndex(once.HTML, -1)
	twice, err := tr.Apply(once.HTML, "tid-3", TrackingOptions{TrackClicks: true})
	require.NoError(t, err)

	assert.Len(t, regexp.MustCompile(`/track/click/`).FindAllStringIndex(twice.HTML, -1), len(clickLinks))
}

func TestTrackerApplyWrapsExternalTrackPaths(t *testing.T) {
	tr := newTestTracker()
	body := `<p><a href="https://shop.acme.com/track/order?id=7">order</a> ` +
		`<a href="https://blog.acme.com/unsubscribe/how-to">guide</a></p>`

	out, err := tr.Apply(body, "tid-5", TrackingOptions{TrackClicks: true})
	require.NoError(t, err)

	assert.Contains(t, out.HTML, "/track/click/tid-5?url="+url.QueryEscape("https://shop.acme.com/track/order?id=7"))
	assert.Contains(t, out.HTML, "/track/click/tid-5?url="+url.QueryEscape("https://blog.acme.com/unsubscribe/how-to"))
	assert.NotContains(t, out.HTML, `href="https://shop.acme.com`)
	assert.NotContains(t, out.HTML, `href="https://blog.acme.com`)
}

func TestVerifyClick(t *testing.T) {
	tr := newTestTracker()
	link, err := url.Parse(tr.ClickURL("tid-6", "https://example.com/pricing"))
	require.NoError(t, err)
	sig := link.Query().Get("sig")
	require.NotEmpty(t, sig)
	assert.Equal(t, "https://example.com/pricing", link.Query().Get("url"))

	tests := []struct {
		name        string
		trackingID  string
		destination string
		sig         string
		wantErr     bool
	}{
		{"signed link", "tid-6", "https://example.com/pricing", sig, false},
		{"swapped destination", "tid-6", "https://evil.example/phish", sig, true},
		{"other send", "tid-7", "https://example.com/pricing", sig, true},
		{"missing signature", "tid-6", "https://example.com/pricing", "", true},
		{"garbage signature", "tid-6", "https://example.com/pricing", "%%%", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.VerifyClick(tt.trackingID, tt.destination, tt.sig)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidClickSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	other := NewTracker("https://t.example.com", "another-secret-another-secret!!!")
	assert.ErrorIs(t, other.VerifyClick("tid-6", "https://example.com/pricing", sig), ErrInvalidClickSignature)
}

func TestUnsubscribeToken(t *testing.T) {
	tr := newTestTracker()

	token, err := tr.UnsubscribeToken("tid-4")
	require.NoError(t, err)

	got, err := tr.ParseUnsubscribeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "tid-4", got)

	other := NewTracker("https://t.example.com", "another-secret-another-secret!!!")
	_, err = other.ParseUnsubscribeToken(token)
	assert.ErrorIs(t, err, ErrInvalidUnsubscribeToken)

	_, err = tr.ParseUnsubscribeToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
}

func TestEnsureHTML(t *testing.T) {
	assert.Equal(t, "Hi &lt;you&gt;<br>\nbye", EnsureHTML("Hi <you>\nbye"))
	assert.Equal(t, "<p>hi</p>", EnsureHTML("<p>hi</p>"))
}

func html2(s string) string {
	return strings.ReplaceAll(s, "&", "&amp;")
}
