package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

var (
	ErrInvalidUnsubscribeToken = errors.New("invalid unsubscribe token")
	ErrInvalidClickSignature   = errors.New("invalid click signature")
)

// TrackingOptions selects which tracking features are applied to a message.
// The unsubscribe link and headers are always added.
type TrackingOptions struct {
	TrackOpens  bool
	TrackClicks bool
}

// TrackedContent is the result of applying tracking to an HTML body.
type TrackedContent struct {
	HTML           string
	UnsubscribeURL string
	Headers        map[string]string
}

// Tracker rewrites outgoing HTML so opens, clicks and unsubscribes can be
// attributed to a single send.
type Tracker struct {
	BaseURL string
	Secret  []byte
}

func NewTracker(baseURL, secret string) *Tracker {
	return &Tracker{BaseURL: strings.TrimRight(baseURL, "/"), Secret: []byte(secret)}
}

// TrackingID derives the per-send identifier. The same prospect and step
// always produce the same id, so a retried send reuses its tracking links.
func TrackingID(campaignID, prospectID, stepID uint) string {
	name := fmt.Sprintf("%d:%d:%d", campaignID, prospectID, stepID)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// MessageID builds the deterministic Message-ID header for a send.
func MessageID(trackingID, fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", trackingID, domain)
}

func (t *Tracker) OpenURL(trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s", t.BaseURL, trackingID)
}

// ClickURL wraps a destination in a redirect link. The signature ties the
// destination to the send so the endpoint cannot be used as an open redirect.
func (t *Tracker) ClickURL(trackingID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s&sig=%s", t.BaseURL, trackingID,
		url.QueryEscape(originalURL), t.clickSignature(trackingID, originalURL))
}

func (t *Tracker) clickSignature(trackingID, destination string) string {
	sig, err := jwt.SigningMethodHS256.Sign(trackingID+"\n"+destination, t.Secret)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyClick checks that destination was signed for trackingID.
func (t *Tracker) VerifyClick(trackingID, destination, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || len(sig) == 0 {
		return ErrInvalidClickSignature
	}
	if err := jwt.SigningMethodHS256.Verify(trackingID+"\n"+destination, sig, t.Secret); err != nil {
		return ErrInvalidClickSignature
	}
	return nil
}

// ownLink reports whether a link already points at our tracking or
// unsubscribe endpoints.
func (t *Tracker) ownLink(link string) bool {
	return strings.HasPrefix(link, t.BaseURL+"/track/") || strings.HasPrefix(link, t.BaseURL+"/unsubscribe/")
}

// UnsubscribeURL returns the signed unsubscribe link for a send.
func (t *Tracker) UnsubscribeURL(trackingID string) (string, error) {
	token, err := t.UnsubscribeToken(trackingID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/unsubscribe/%s", t.BaseURL, token), nil
}

// UnsubscribeToken signs the tracking id. Unsubscribe links never expire.
func (t *Tracker) UnsubscribeToken(trackingID string) (string, error) {
	claims := jwt.RegisteredClaims{Subject: trackingID}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
}

// ParseUnsubscribeToken verifies a token and returns the tracking id it wraps.
func (t *Tracker) ParseUnsubscribeToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.Secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidUnsubscribeToken
	}
	return claims.Subject, nil
}

// Apply injects the open beacon, rewrites links for click tracking and adds
// the unsubscribe footer.
func (t *Tracker) Apply(body, trackingID string, opts TrackingOptions) (TrackedContent, error) {
	unsubscribeURL, err := t.UnsubscribeURL(trackingID)
	if err != nil {
		return TrackedContent{}, fmt.Errorf("failed to sign unsubscribe link: %w", err)
	}

	out := EnsureHTML(body)

	if opts.TrackClicks {
		out = linkRe.ReplaceAllStringFunc(out, func(match string) string {
			parts := linkRe.FindStringSubmatch(match)
			if len(parts) < 2 {
				return match
			}
			origURL := html.UnescapeString(parts[1])
			if t.ownLink(origURL) {
				return match
			}
			return fmt.Sprintf(`href="%s"`, html.EscapeString(t.ClickURL(trackingID, origURL)))
		})
	}

	footer := fmt.Sprintf(`<p style="font-size:12px;color:#888888">If you'd rather not hear from me again, <a href="%s">unsubscribe here</a>.</p>`,
		html.EscapeString(unsubscribeURL))
	if opts.TrackOpens {
		footer += fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
			html.EscapeString(t.OpenURL(trackingID)))
	}
	out = insertBeforeBodyEnd(out, footer)

	return TrackedContent{
		HTML:           out,
		UnsubscribeURL: unsubscribeURL,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}, nil
}

func insertBeforeBodyEnd(doc, fragment string) string {
	if idx := strings.LastIndex(strings.ToLower(doc), "</body>"); idx >= 0 {
		return doc[:idx] + fragment + doc[idx:]
	}
	return doc + fragment
}

var htmlTagRe = regexp.MustCompile(`(?i)<(html|body|p|div|br|a|table|span)[\s/>]`)

// EnsureHTML turns a plain-text body into minimal HTML. Bodies that already
// contain markup are returned unchanged.
func EnsureHTML(body string) string {
	if htmlTagRe.MatchString(body) {
		return body
	}
	escaped := html.EscapeString(body)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return strings.ReplaceAll(escaped, "\n", "<br>\n")
}
