package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

var (
	basicCodeRe    = regexp.MustCompile(`(?:^|[\s:])([245]\d\d)(?:[ -]|$)`)
	enhancedCodeRe = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)
)

// Phrases a receiving server uses when the recipient itself is refused.
var recipientPhrases = []string{
	"user unknown",
	"unknown user",
	"no such user",
	"does not exist",
	"mailbox unavailable",
	"mailbox not found",
	"recipient rejected",
	"recipient address rejected",
	"invalid recipient",
	"no mailbox here",
}

// Classify maps a send error onto a SendResult.
func Classify(err error) SendResult {
	if err == nil {
		return SendResult{Success: true}
	}
	res := SendResult{Error: err}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || isNetworkError(err) {
		return res
	}

	code, enhanced := smtpCode(err)
	res.ErrorCode = code
	msg := strings.ToLower(err.Error())

	switch {
	case code == 530 || code == 534 || code == 535 || strings.HasPrefix(enhanced, "5.7.8") ||
		strings.Contains(msg, "authentication failed") || strings.Contains(msg, "username and password not accepted"):
		res.AuthFailure = true
	case code >= 500 || strings.HasPrefix(enhanced, "5."):
		res.IsBounce = true
		res.IsHardBounce = recipientRejected(code, enhanced, msg)
	case code >= 400 || strings.HasPrefix(enhanced, "4."):
		res.IsBounce = true
	case code == 0 && containsAny(msg, recipientPhrases):
		res.IsBounce = true
		res.IsHardBounce = true
	}
	return res
}

// recipientRejected reports whether a permanent reply refuses the recipient
// address. Policy, content, size and sender-side rejections stay soft so that
// a blocked or misconfigured account does not burn its prospects.
func recipientRejected(code int, enhanced, msg string) bool {
	if enhanced != "" {
		switch {
		case enhanced == "5.1.7" || enhanced == "5.1.8":
			return false
		case strings.HasPrefix(enhanced, "5.1."), enhanced == "5.2.1":
			return true
		default:
			return false
		}
	}
	return (code == 550 || code == 551) && containsAny(msg, recipientPhrases)
}

// IsTransient reports whether a failed result may succeed on retry.
func (r SendResult) IsTransient() bool {
	return !r.Success && !r.IsHardBounce && !r.AuthFailure
}

func smtpCode(err error) (int, string) {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		enhanced := ""
		if m := enhancedCodeRe.FindString(tp.Msg); m != "" {
			enhanced = m
		}
		return tp.Code, enhanced
	}

	msg := err.Error()
	enhanced := enhancedCodeRe.FindString(msg)
	if m := basicCodeRe.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code, enhanced
	}
	if enhanced != "" {
		code, _ := strconv.Atoi(enhanced[:1] + "00")
		return code, enhanced
	}
	return 0, ""
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
