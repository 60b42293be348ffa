package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"

	"github.com/dhcgn/ymdecode/token"
)

// TimeLayout renders the timestamp that opens every decoded line.
const TimeLayout = "(2006-01-02 15:04:05) "

// LineFilter decides whether a decoded line is written.
type LineFilter interface {
	Allows(speaker, text []byte) bool
}

// Options tunes a Decoder. The zero value decodes like the messenger client.
type Options struct {
	// LocalLabel is the speaker of outgoing records. Defaults to the key.
	LocalLabel string
	// Location renders timestamps. Defaults to time.Local.
	Location *time.Location
	MaxBody  int
	MaxLine  int
	// Charset, when set, converts the clean text to UTF-8.
	Charset encoding.Encoding
	Filter  LineFilter
}

// Result summarizes one decoded archive.
type Result struct {
	Records  int
	Empty    int
	Lines    int
	Filtered int
	First    time.Time
	Last     time.Time
}

// Decoder turns archive records into readable lines. A Decoder owns its
// scratch buffers and must not be shared between goroutines.
type Decoder struct {
	key  Key
	opts Options

	plain []byte
	clean []byte
	line  []byte
}

// NewDecoder returns a Decoder for the account identified by key.
func NewDecoder(key Key, opts Options) (*Decoder, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if opts.LocalLabel == "" {
		opts.LocalLabel = key.String()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}
	return &Decoder{
		key:   key,
		opts:  opts,
		plain: make([]byte, 0, opts.MaxBody),
		clean: make([]byte, 0, opts.MaxBody),
		line:  make([]byte, 0, opts.MaxLine+1),
	}, nil
}

// DecodeFile decodes every record of r and writes one line per non-empty
// record to w. Outgoing records are attributed to the key's account id and
// incoming ones to counterpart.
func DecodeFile(key Key, counterpart string, r io.Reader, w io.Writer) error {
	d, err := NewDecoder(key, Options{})
	if err != nil {
		return err
	}
	_, err = d.Decode(counterpart, r, w)
	return err
}

// Decode reads records from r until a clean end of stream and writes the
// decoded lines to w. Lines written before a failure stay written.
func (d *Decoder) Decode(counterpart string, r io.Reader, w io.Writer) (res Result, err error) {
	out := bufio.NewWriter(w)
	defer func() {
		if ferr := out.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("flush output: %w", ferr)
		}
	}()

	rd := NewReader(r, d.opts.MaxBody)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.Records++

		if len(rec.Body) == 0 {
			res.Empty++
			continue
		}

		line, ok := d.render(rec, counterpart)
		if !ok {
			res.Filtered++
			continue
		}
		if _, err := out.Write(line); err != nil {
			return res, fmt.Errorf("write line: %w", err)
		}

		ts := time.Unix(int64(rec.Timestamp), 0).In(d.opts.Location)
		if res.Lines == 0 {
			res.First = ts
		}
		res.Last = ts
		res.Lines++
	}
}

// render builds the newline-terminated line for rec in the decoder's line
// buffer. It reports false when the filter rejects the line.
func (d *Decoder) render(rec Record, counterpart string) ([]byte, bool) {
	speaker := counterpart
	if rec.Outgoing() {
		speaker = d.opts.LocalLabel
	}

	d.plain = d.key.Apply(d.plain[:0], rec.Body)
	if i := bytes.IndexByte(d.plain, 0); i >= 0 {
		d.plain = d.plain[:i]
	}
	d.clean = token.Strip(d.clean[:0], d.plain)

	text := d.clean
	if d.opts.Charset != nil {
		if converted, err := d.opts.Charset.NewDecoder().Bytes(text); err == nil {
			text = converted
		}
	}

	if d.opts.Filter != nil && !d.opts.Filter.Allows([]byte(speaker), text) {
		return nil, false
	}

	d.line = time.Unix(int64(rec.Timestamp), 0).In(d.opts.Location).AppendFormat(d.line[:0], TimeLayout)
	d.line = append(d.line, speaker...)
	d.line = append(d.line, ": "...)

	// Labels come from flags and are UTF-8, so an over-long prefix is cut on
	// a rune boundary. The text is only cut on one when it was transcoded.
	if len(d.line) > d.opts.MaxLine {
		d.line = d.line[:runeCut(d.line, d.opts.MaxLine)]
	}
	room := d.opts.MaxLine - len(d.line)
	if len(text) > room {
		if d.opts.Charset != nil {
			room = runeCut(text, room)
		}
		text = text[:room]
	}
	d.line = append(d.line, text...)
	d.line = append(d.line, '\n')
	return d.line, true
}

// runeCut returns the largest n' <= n that does not split a UTF-8 sequence
// of b.
func runeCut(b []byte, n int) int {
	for n > 0 && n < len(b) && !utf8.RuneStart(b[n]) {
		n--
	}
	return n
}
