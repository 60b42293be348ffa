package message

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/ymdecode/model"
)

func testConversation() model.Conversation {
	started := time.Date(2008, time.January, 15, 21, 4, 5, 0, time.UTC)
	return model.Conversation{
		Job: model.Job{
			Counterpart: "Buddy.One",
			Input:       "/profiles/me/Archive/Messages/Buddy.One/20080115-me.dat",
		},
		Local:   "me",
		Hash:    "abc123",
		Text:    []byte("(2008-01-15 21:04:05) me: salut, ce faci?\n(2008-01-15 21:04:09) Buddy.One: bine, tu?\n"),
		Lines:   2,
		Started: started,
	}
}

func TestCompose(t *testing.T) {
	conv := testConversation()
	msg, err := Compose(conv, Options{})
	require.NoError(t, err)

	assert.Equal(t, "buddy.one@yahoo.com", msg.From)
	assert.Equal(t, "Chat with Buddy.One on 2008-01-15", msg.Subject)
	assert.True(t, msg.Date.Equal(conv.Started))

	mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, subject)

	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)

	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "me@yahoo.com", to[0].Address)
	assert.Equal(t, "Buddy.One/20080115-me.dat", mr.Header.Get("X-Ymdecode-Source"))

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	// quoted-printable turns line breaks into CRLF.
	assert.Equal(t, string(conv.Text), strings.ReplaceAll(string(body), "\r\n", "\n"))
}

func TestComposeStableID(t *testing.T) {
	conv := testConversation()
	a, err := Compose(conv, Options{Domain: "example.org"})
	require.NoError(t, err)
	b, err := Compose(conv, Options{Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "buddy.one@example.org", a.From)

	conv.Hash = ""
	c, err := Compose(conv, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestComposeDateFallback(t *testing.T) {
	conv := testConversation()
	conv.Started = time.Time{}
	conv.Job.Day = time.Date(2008, time.February, 1, 0, 0, 0, 0, time.UTC)

	msg, err := Compose(conv, Options{})
	require.NoError(t, err)
	assert.True(t, msg.Date.Equal(conv.Job.Day))
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "john_doe@yahoo.com", Address("John Doe", "yahoo.com"))
	assert.Equal(t, "who@example.com", Address("who@example.com", "yahoo.com"))
}

func TestComposeCharset(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		charset string
		want    string
	}{
		{name: "transcoded", text: "caf\u00e9\n", charset: "utf-8", want: "utf-8"},
		{name: "verbatim ascii", text: "hello\n", want: "utf-8"},
		{name: "verbatim windows-1252", text: "caf\xe9\n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := testConversation()
			conv.Text = []byte(tt.text)
			conv.Charset = tt.charset

			msg, err := Compose(conv, Options{})
			require.NoError(t, err)

			mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
			require.NoError(t, err)
			_, params, err := mr.Header.ContentType()
			require.NoError(t, err)
			assert.Equal(t, tt.want, params["charset"])
		})
	}
}
