// Package archive decodes the binary per-day chat archives written by the
// messenger client.
//
// An archive is a plain sequence of records with no file header and no
// separators. Every integer is little-endian:
//
//	offset  size  field
//	0       4     timestamp (int32, seconds since the Unix epoch)
//	4       4     reserved
//	8       4     direction (0 = sent by the local account)
//	12      4     body length
//	16      n     body, XOR-obfuscated with the local account id
//	16+n    4     trailer
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the number of bytes before the body of a record.
const HeaderSize = 16

// TrailerSize is the number of bytes after the body of a record.
const TrailerSize = 4

const (
	// DefaultMaxBody bounds the declared body length of a single record.
	DefaultMaxBody = 1023

	// DefaultMaxLine bounds a rendered line, newline excluded.
	DefaultMaxLine = 1023
)

var (
	// ErrFraming marks a record that cannot be framed: it is truncated or it
	// declares a body longer than the configured bound.
	ErrFraming = errors.New("archive framing error")

	// ErrEmptyKey is returned when the account id used as XOR key is empty.
	ErrEmptyKey = errors.New("account key is empty")
)

// Header is the fixed part of a record that precedes the body.
type Header struct {
	Timestamp  int32
	Reserved   uint32
	Direction  uint32
	BodyLength uint32
}

// Outgoing reports whether the record was sent by the local account.
func (h Header) Outgoing() bool {
	return h.Direction == 0
}

// Record is one framed archive entry. Body is still obfuscated.
type Record struct {
	Header
	Body    []byte
	Trailer uint32
}

// ReadHeader decodes one header from r. It returns io.EOF when r is exhausted
// before the first byte and an ErrFraming error when the header is cut short.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		return Header{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Header{}, fmt.Errorf("%w: header cut after %d of %d bytes: %w", ErrFraming, n, HeaderSize, io.ErrUnexpectedEOF)
	default:
		return Header{}, fmt.Errorf("read header: %w", err)
	}

	return Header{
		Timestamp:  int32(binary.LittleEndian.Uint32(buf[0:4])),
		Reserved:   binary.LittleEndian.Uint32(buf[4:8]),
		Direction:  binary.LittleEndian.Uint32(buf[8:12]),
		BodyLength: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// Reader frames records from an archive stream. The body buffer is owned by
// the Reader and reused: a Record's Body is valid until the next call to Next.
type Reader struct {
	r       io.Reader
	maxBody int
	body    []byte
	offset  int64
	index   int
}

// NewReader returns a Reader that rejects bodies longer than maxBody bytes.
// A non-positive maxBody selects DefaultMaxBody.
func NewReader(r io.Reader, maxBody int) *Reader {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Reader{r: r, maxBody: maxBody, body: make([]byte, 0, maxBody)}
}

// Offset returns the byte offset of the next record.
func (rd *Reader) Offset() int64 {
	return rd.offset
}

// Index returns the number of records framed so far.
func (rd *Reader) Index() int {
	return rd.index
}

// Next frames the next record. It returns io.EOF when the stream ends exactly
// on a record boundary.
func (rd *Reader) Next() (Record, error) {
	hdr, err := ReadHeader(rd.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, rd.wrap(err)
	}

	if int64(hdr.BodyLength) > int64(rd.maxBody) {
		return Record{}, rd.wrap(fmt.Errorf("%w: body length %d exceeds limit %d", ErrFraming, hdr.BodyLength, rd.maxBody))
	}

	rd.body = rd.body[:hdr.BodyLength]
	if hdr.BodyLength > 0 {
		if n, err := io.ReadFull(rd.r, rd.body); err != nil {
			return Record{}, rd.wrap(shortRead("body", n, len(rd.body), err))
		}
	}

	var trailer [TrailerSize]byte
	if n, err := io.ReadFull(rd.r, trailer[:]); err != nil {
		return Record{}, rd.wrap(shortRead("trailer", n, TrailerSize, err))
	}

	rec := Record{
		Header:  hdr,
		Body:    rd.body,
		Trailer: binary.LittleEndian.Uint32(trailer[:]),
	}
	rd.offset += int64(HeaderSize + len(rd.body) + TrailerSize)
	rd.index++
	return rec, nil
}

func (rd *Reader) wrap(err error) error {
	return fmt.Errorf("record %d at offset %d: %w", rd.index, rd.offset, err)
}

// shortRead classifies a failed read inside a record. Running out of input is
// a framing error; anything else is passed through as an I/O error.
func shortRead(field string, got, want int, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s cut after %d of %d bytes: %w", ErrFraming, field, got, want, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("read %s: %w", field, err)
}
