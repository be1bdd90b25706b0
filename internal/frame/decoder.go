package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tetherdev/tether/internal/domain"
)

// ErrIncomplete is returned by [Decoder.Next] when the buffered bytes do not
// yet hold a full frame.
var ErrIncomplete = errors.New("frame: incomplete")

// MalformedError reports bytes that can never decode into a valid frame.
// The connection carrying them must be closed.
type MalformedError struct {
	Reason  string
	Kind    Kind
	Channel uint32
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame (kind=%s channel=%d): %s", e.Kind, e.Channel, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return domain.ErrProtocolViolation
}

// Decoder turns a byte stream fed in arbitrary pieces into frames. A
// malformed header poisons the decoder; every later call returns the same
// error.
type Decoder struct {
	buf []byte
	off int
	err error
}

// Feed appends p to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of fed bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame, [ErrIncomplete] if more bytes are
// needed, or a *[MalformedError].
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	b := d.buf[d.off:]
	if len(b) < HeaderSize {
		return Frame{}, ErrIncomplete
	}
	kind := Kind(b[1])
	channel := binary.BigEndian.Uint32(b[2:6])
	seq := binary.BigEndian.Uint32(b[6:10])
	length := binary.BigEndian.Uint32(b[10:14])
	switch {
	case b[0] != Version:
		d.err = &MalformedError{Reason: fmt.Sprintf("unsupported version %d", b[0]), Kind: kind, Channel: channel}
	case !kind.Valid():
		d.err = &MalformedError{Reason: "unknown kind", Kind: kind, Channel: channel}
	case length > MaxPayload:
		d.err = &MalformedError{Reason: fmt.Sprintf("payload length %d exceeds %d", length, MaxPayload), Kind: kind, Channel: channel}
	case kind.Control() && channel != ControlChannel:
		d.err = &MalformedError{Reason: "control frame on session channel", Kind: kind, Channel: channel}
	case !kind.Control() && channel == ControlChannel:
		d.err = &MalformedError{Reason: "session frame on control channel", Kind: kind, Channel: channel}
	}
	if d.err != nil {
		return Frame{}, d.err
	}
	total := HeaderSize + int(length)
	if len(b) < total {
		return Frame{}, ErrIncomplete
	}
	f := Frame{Kind: kind, Channel: channel, Seq: seq}
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, b[HeaderSize:total])
	}
	d.off += total
	return f, nil
}

// Reader reads frames from a byte stream.
type Reader struct {
	r   io.Reader
	dec Decoder
	buf []byte
}

// NewReader returns a Reader decoding frames from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, HeaderSize+MaxPayload)}
}

// ReadFrame blocks until a full frame is available. A stream that ends in
// the middle of a frame yields [io.ErrUnexpectedEOF].
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, err := r.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return Frame{}, err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.dec.Feed(r.buf[:n])
		}
		if err != nil {
			if n > 0 {
				continue
			}
			if errors.Is(err, io.EOF) && r.dec.Buffered() > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}
