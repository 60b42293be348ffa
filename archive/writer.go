package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Writer encodes records in the archive layout. It is used to build fixtures
// and to re-encode filtered archives.
type Writer struct {
	w   io.Writer
	key Key
	buf []byte
}

// NewWriter returns a Writer obfuscating bodies with key.
func NewWriter(w io.Writer, key Key) *Writer {
	return &Writer{w: w, key: key}
}

// WriteRecord writes one record with a plain-text body.
func (wr *Writer) WriteRecord(ts time.Time, direction uint32, text []byte) error {
	return wr.WriteRaw(Header{
		Timestamp:  int32(ts.Unix()),
		Direction:  direction,
		BodyLength: uint32(len(text)),
	}, wr.key.Apply(nil, text), 0)
}

// WriteRaw writes hdr, an already obfuscated body and a trailer verbatim.
// hdr.BodyLength is written as given so malformed records can be produced.
func (wr *Writer) WriteRaw(hdr Header, body []byte, trailer uint32) error {
	wr.buf = wr.buf[:0]
	wr.buf = binary.LittleEndian.AppendUint32(wr.buf, uint32(hdr.Timestamp))
	wr.buf = binary.LittleEndian.AppendUint32(wr.buf, hdr.Reserved)
	wr.buf = binary.LittleEndian.AppendUint32(wr.buf, hdr.Direction)
	wr.buf = binary.LittleEndian.AppendUint32(wr.buf, hdr.BodyLength)
	wr.buf = append(wr.buf, body...)
	wr.buf = binary.LittleEndian.AppendUint32(wr.buf, trailer)

	if _, err := wr.w.Write(wr.buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
