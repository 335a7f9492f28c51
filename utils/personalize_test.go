package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTagKey(t *testing.T) {
	for _, key := range []string{"First Name", "first_name", "FirstName", " firstname ", "FIRST-NAME"} {
		t.Run(key, func(t *testing.T) {
			assert.Equal(t, "firstname", NormalizeTagKey(key))
		})
	}
}

func TestMergeTags(t *testing.T) {
	fields := map[string]string{
		"first_name": "Ada",
		"company":    "Analytical Engines",
		"title":      "   ",
		"Deal Size":  "large",
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple tag", "Hi {{first_name}}", "Hi Ada"},
		{"case and separators ignored", "Hi {{First Name}} / {{FIRSTNAME}}", "Hi Ada / Ada"},
		{"custom field with spaces", "A {{deal_size}} deal", "A large deal"},
		{"missing tag uses fallback", "Hi {{nickname|there}}", "Hi there"},
		{"whitespace value uses fallback", "Dear {{title | friend }}", "Dear friend"},
		{"present value ignores fallback", "At {{company|your company}}", "At Analytical Engines"},
		{"unresolved tag without fallback is removed", "Hi {{nickname}}!", "Hi !"},
		{"spaces inside braces", "Hi {{  first_name  }}", "Hi Ada"},
		{"empty fallback", "x{{nickname|}}y", "xy"},
		{"no tags", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MergeTags(tt.input, fields))
		})
	}
}

func TestResolveSpintaxDeterministic(t *testing.T) {
	first := func(int) int { return 0 }
	last := func(n int) int { return n - 1 }

	tests := []struct {
		name   string
		input  string
		pick   func(int) int
		expect string
	}{
		{"first option", "{Hi|Hello|Hey} there", first, "Hi there"},
		{"last option", "{Hi|Hello|Hey} there", last, "Hey there"},
		{"options are trimmed", "{ Hi | Hello } there", last, "Hello there"},
		{"nested resolves innermost first", "{a {x|y}|b}", first, "a x"},
		{"merge tag fallback pipe untouched", "{Hi|Hello} {{first_name|there}}", first, "Hi {{first_name|there}}"},
		{"merge tag inside option", "{Hi {{first_name}}|Hello}", first, "Hi {{first_name}}"},
		{"braces without pipe untouched", "p {color: red}", first, "p {color: red}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, resolveSpintax(tt.input, tt.pick))
		})
	}
}

func TestResolveSpintaxCoversAllOptions(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		seen[ResolveSpintax("{a|b|c}")] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestPersonalizeEmail(t *testing.T) {
	fields := map[string]string{"first_name": "Grace", "company": "Navy"}

	subject, body := PersonalizeEmail(
		"{Quick|Short} question for {{company}}",
		"<p>{Hi|Hello} {{first_name|there}},</p><p>{{unknown}}Thanks</p>",
		fields,
	)

	assert.Contains(t, []string{"Quick question for Navy", "Short question for Navy"}, subject)
	assert.True(t, strings.HasSuffix(body, "Grace,</p><p>Thanks</p>"), body)
	assert.NotContains(t, body, "{")
}
