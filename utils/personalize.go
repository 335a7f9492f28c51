package utils

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

var (
	mergeTagRe = regexp.MustCompile(`\{\{\s*([^{}|]+?)\s*(?:\|([^{}]*))?\}\}`)
	spintaxRe  = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)
	sentinelRe = regexp.MustCompile(`\x00(\d+)\x00`)

	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NormalizeTagKey lower-cases a merge tag key and drops everything that is not
// a letter or digit, so "First Name", "first_name" and "FirstName" are equal.
func NormalizeTagKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MergeTags replaces {{Key}} and {{Key|fallback}} with values from fields.
// Empty or whitespace-only values use the fallback. Tags that resolve to
// nothing are removed.
func MergeTags(text string, fields map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	lookup := make(map[string]string, len(fields))
	for k, v := range fields {
		lookup[NormalizeTagKey(k)] = v
	}

	return mergeTagRe.ReplaceAllStringFunc(text, func(tag string) string {
		m := mergeTagRe.FindStringSubmatch(tag)
		if v, ok := lookup[NormalizeTagKey(m[1])]; ok && strings.TrimSpace(v) != "" {
			return v
		}
		return strings.TrimSpace(m[2])
	})
}

// ResolveSpintax picks one option from each {a|b|c} block, innermost blocks
// first. Merge tags are left untouched.
func ResolveSpintax(text string) string {
	return resolveSpintax(text, randomIndex)
}

func resolveSpintax(text string, pick func(n int) int) string {
	if !strings.Contains(text, "|") {
		return text
	}

	// Hide merge tags so their braces and fallback pipes are not mistaken for
	// spintax blocks.
	var tags []string
	text = mergeTagRe.ReplaceAllStringFunc(text, func(tag string) string {
		tags = append(tags, tag)
		return fmt.Sprintf("\x00%d\x00", len(tags)-1)
	})

	for spintaxRe.MatchString(text) {
		text = spintaxRe.ReplaceAllStringFunc(text, func(block string) string {
			options := strings.Split(block[1:len(block)-1], "|")
			return strings.TrimSpace(options[pick(len(options))])
		})
	}

	if len(tags) > 0 {
		text = sentinelRe.ReplaceAllStringFunc(text, func(s string) string {
			i, err := strconv.Atoi(sentinelRe.FindStringSubmatch(s)[1])
			if err != nil || i >= len(tags) {
				return s
			}
			return tags[i]
		})
	}
	return text
}

func randomIndex(n int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Intn(n)
}

// PersonalizeEmail resolves spintax and then merge tags in subject and body.
func PersonalizeEmail(subject, body string, fields map[string]string) (string, string) {
	subject = MergeTags(ResolveSpintax(subject), fields)
	body = MergeTags(ResolveSpintax(body), fields)
	return subject, body
}
