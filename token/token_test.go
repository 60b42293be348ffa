package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripEveryForm(t *testing.T) {
	tests := []struct {
		name  string
		token string
		rule  string
	}{
		{name: "bold", token: "\x1b[1m", rule: "style"},
		{name: "italic", token: "\x1b[2m", rule: "style"},
		{name: "underline", token: "\x1b[4m", rule: "style"},
		{name: "link", token: "\x1b[lm", rule: "style"},
		{name: "predefined color", token: "\x1b[31m", rule: "color"},
		{name: "cancel styles", token: "\x1b[x1m", rule: "color"},
		{name: "custom color", token: "\x1b[#ff0080m", rule: "custom-color"},
		{name: "font open", token: `<font face="Arial" size="10">`, rule: "font-open"},
		{name: "font close", token: "</font>", rule: "font-close"},
		{name: "alt open", token: "<ALT #ff0000,#0000ff>", rule: "alt-open"},
		{name: "alt close", token: "</ALT>", rule: "alt-close"},
		{name: "fade open", token: "<FADE #ff0000,#00ff00>", rule: "fade-open"},
		{name: "fade close", token: "</FADE>", rule: "fade-close"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, n, ok := Match([]byte(tt.token))
			require.True(t, ok)
			assert.Equal(t, tt.rule, rule.Name)
			assert.Equal(t, len(tt.token), n)

			got := Strip(nil, []byte("A"+tt.token+"B"))
			assert.Equal(t, "AB", string(got))
		})
	}
}

func TestLengthNoToken(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "plain", text: "hello"},
		{name: "short escape", text: "\x1b["},
		{name: "unknown discriminator", text: "\x1b[9m"},
		{name: "html tag", text: "<b>bold</b>"},
		{name: "lowercase alt", text: "<alt #fff>"},
		{name: "font without space", text: "<fontx>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Zero(t, Length([]byte(tt.text)))
		})
	}
}

func TestStripUnknownEscapePassesThrough(t *testing.T) {
	got := Strip(nil, []byte("a\x1b[9mb"))
	assert.Equal(t, "a\x1b[9mb", string(got))
}

func TestStripUnterminatedTagConsumesRest(t *testing.T) {
	got := Strip(nil, []byte("hi <font face=\"Arial\" and more"))
	assert.Equal(t, "hi ", string(got))
}

func TestStripTruncatedEscapeConsumesRest(t *testing.T) {
	// Declared width 4, only 3 bytes left.
	got := Strip(nil, []byte("Hi\x1b@1"))
	assert.Equal(t, "Hi", string(got))

	assert.Equal(t, 8, Length([]byte("\x1b[#ff00m")))
}

func TestStripAppendsToDst(t *testing.T) {
	dst := []byte("prefix: ")
	got := Strip(dst, []byte("\x1b[1mbold\x1b[x1m"))
	assert.Equal(t, "prefix: bold", string(got))
}

// Realistic messages never contain tokens split by other tokens.
func TestStripIdempotent(t *testing.T) {
	messages := []string{
		"plain text without tokens",
		"\x1b[1mhello\x1b[x1m <font face=\"Tahoma\">world</font>",
		"<FADE #ff0000,#0000ff>fading</FADE> and <ALT #00ff00>alt</ALT>",
		"a < b > c and an unknown \x1b[9m escape",
		"\x1b[#12ab34mcolored\x1b[30m text\x1b[lm http://example.com\x1b[xlm",
	}

	for _, msg := range messages {
		once := Strip(nil, []byte(msg))
		twice := Strip(nil, once)
		assert.Equal(t, string(once), string(twice), "message %q", msg)
	}
}

// Strip is a single left-to-right pass. Removing a token can join the bytes
// around it into a new tag, which only a second pass removes.
func TestStripSinglePassCanExposeTag(t *testing.T) {
	once := Strip(nil, []byte("<fo\x1b[1mnt >x"))
	assert.Equal(t, "<font >x", string(once))
	assert.Equal(t, "x", string(Strip(nil, once)))
}

func TestRulesOrder(t *testing.T) {
	require.Len(t, Rules, 9)
	assert.Equal(t, "style", Rules[0].Name)
	assert.Equal(t, "fade-close", Rules[len(Rules)-1].Name)
}

func BenchmarkStrip(b *testing.B) {
	msg := []byte("\x1b[1m<font face=\"Arial\" size=\"10\">hello there, how are you today?</font>\x1b[x1m")
	buf := make([]byte, 0, len(msg))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = Strip(buf[:0], msg)
	}
}
