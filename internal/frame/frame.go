// Package frame implements the tether wire format: a fixed 14-byte header
// followed by a length-prefixed payload.
//
//	version u8 | kind u8 | channel u32 | seq u32 | length u32 | payload
//
// All integers are big endian. Channel 0 carries connection-level frames
// (ping, pong, hello, hello-ack); every other channel id names a session.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// Version is the only protocol version this package speaks.
	Version uint8 = 1
	// HeaderSize is the encoded size of a frame header.
	HeaderSize = 14
	// MaxPayload caps a single frame's payload so one session cannot hold
	// the connection for long.
	MaxPayload = 32 * 1024
	// ControlChannel is reserved for connection-level frames.
	ControlChannel uint32 = 0
)

// Kind identifies the purpose of a frame.
type Kind uint8

const (
	KindOpen Kind = iota + 1
	KindOpenAck
	KindData
	KindWindowUpdate
	KindClose
	KindError
	KindPing
	KindPong
	KindHello
	KindHelloAck
	KindResize
)

var kindNames = [...]string{
	KindOpen:         "open",
	KindOpenAck:      "open-ack",
	KindData:         "data",
	KindWindowUpdate: "window-update",
	KindClose:        "close",
	KindError:        "error",
	KindPing:         "ping",
	KindPong:         "pong",
	KindHello:        "hello",
	KindHelloAck:     "hello-ack",
	KindResize:       "resize",
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	return k >= KindOpen && k <= KindResize
}

// Control reports whether frames of this kind belong on [ControlChannel].
func (k Kind) Control() bool {
	switch k {
	case KindPing, KindPong, KindHello, KindHelloAck:
		return true
	}
	return false
}

// Frame is one decoded wire unit.
type Frame struct {
	Kind    Kind
	Channel uint32
	Seq     uint32
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s ch=%d seq=%d len=%d", f.Kind, f.Channel, f.Seq, len(f.Payload))
}

// Append encodes f onto dst.
func Append(dst []byte, f Frame) ([]byte, error) {
	if !f.Kind.Valid() {
		return dst, fmt.Errorf("frame: invalid kind %d", uint8(f.Kind))
	}
	if len(f.Payload) > MaxPayload {
		return dst, fmt.Errorf("frame: payload %d exceeds max %d", len(f.Payload), MaxPayload)
	}
	var hdr [HeaderSize]byte
	hdr[0] = Version
	hdr[1] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[2:6], f.Channel)
	binary.BigEndian.PutUint32(hdr[6:10], f.Seq)
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// Encode returns the wire encoding of f.
func Encode(f Frame) ([]byte, error) {
	return Append(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Write encodes f and writes it to w with a single Write call.
func Write(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
