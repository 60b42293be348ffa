// Package message renders a decoded conversation as an RFC 5322 text/plain
// mail message, the form in which the mbox and IMAP sinks store it.
package message

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/dhcgn/ymdecode/model"
)

// DefaultDomain is appended to account ids that carry no domain.
const DefaultDomain = "yahoo.com"

// Options tunes message rendering.
type Options struct {
	Domain string
}

// Message is a rendered conversation.
type Message struct {
	ID      string
	From    string
	Date    time.Time
	Subject string
	Raw     []byte
}

// Compose renders conv. The Message-ID is derived from the archive hash, so
// exporting the same archive twice yields the same id.
func Compose(conv model.Conversation, opts Options) (Message, error) {
	domain := opts.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	date := conversationDate(conv)
	counterpart := conv.Job.Counterpart
	msg := Message{
		ID:      messageID(conv.Hash),
		From:    Address(counterpart, domain),
		Date:    date,
		Subject: fmt.Sprintf("Chat with %s on %s", counterpart, date.Format(time.DateOnly)),
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: counterpart, Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Name: conv.Local, Address: Address(conv.Local, domain)}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(msg.ID)
	var params map[string]string
	if charset := bodyCharset(conv); charset != "" {
		params = map[string]string{"charset": charset}
	}
	h.SetContentType("text/plain", params)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if conv.Job.Input != "" {
		h.Set("X-Ymdecode-Source", filepath.ToSlash(filepath.Join(counterpart, filepath.Base(conv.Job.Input))))
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return Message{}, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := w.Write(conv.Text); err != nil {
		_ = w.Close()
		return Message{}, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return Message{}, fmt.Errorf("close message writer: %w", err)
	}

	msg.Raw = buf.Bytes()
	return msg, nil
}

// Address turns an account id into a mail address at domain.
func Address(id, domain string) string {
	if strings.Contains(id, "@") {
		return id
	}
	local := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, id)
	return local + "@" + domain
}

// bodyCharset declares utf-8 for transcoded text and for verbatim archive
// bytes that happen to be valid UTF-8. Other verbatim bytes get no charset
// parameter, since their encoding is unknown.
func bodyCharset(conv model.Conversation) string {
	if conv.Charset != "" {
		return conv.Charset
	}
	if utf8.Valid(conv.Text) {
		return "utf-8"
	}
	return ""
}

func conversationDate(conv model.Conversation) time.Time {
	switch {
	case !conv.Started.IsZero():
		return conv.Started
	case !conv.Job.Day.IsZero():
		return conv.Job.Day
	default:
		return time.Now()
	}
}

func messageID(hash string) string {
	var id uuid.UUID
	if hash == "" {
		id = uuid.New()
	} else {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ymdecode:"+hash))
	}
	return id.String() + "@ymdecode"
}
