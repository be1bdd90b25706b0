package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/tetherdev/tether/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, MaxPayload}
	kinds := []Kind{KindOpen, KindOpenAck, KindData, KindWindowUpdate, KindClose, KindError, KindResize}
	for _, kind := range kinds {
		for _, size := range sizes {
			payload := bytes.Repeat([]byte{0xA5}, size)
			in := Frame{Kind: kind, Channel: 7, Seq: 42, Payload: payload}
			b, err := Encode(in)
			if err != nil {
				t.Fatalf("%s/%d: encode: %v", kind, size, err)
			}
			var d Decoder
			d.Feed(b)
			out, err := d.Next()
			if err != nil {
				t.Fatalf("%s/%d: decode: %v", kind, size, err)
			}
			if out.Kind != in.Kind || out.Channel != in.Channel || out.Seq != in.Seq || !bytes.Equal(out.Payload, in.Payload) {
				t.Fatalf("%s/%d: mismatch %v vs %v", kind, size, out, in)
			}
			again, err := Encode(out)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(again, b) {
				t.Fatalf("%s/%d: re-encoding differs", kind, size)
			}
		}
	}
	for _, kind := range []Kind{KindPing, KindPong, KindHello, KindHelloAck} {
		b, err := Encode(Frame{Kind: kind, Payload: []byte("x")})
		if err != nil {
			t.Fatal(err)
		}
		var d Decoder
		d.Feed(b)
		if _, err := d.Next(); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
	}
}

func TestDecoderResumesFromPartialInput(t *testing.T) {
	t.Parallel()

	var stream []byte
	for i := range 3 {
		b, err := Encode(Frame{Kind: KindData, Channel: 1, Seq: uint32(i), Payload: []byte("hello")})
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, b...)
	}

	var d Decoder
	var got []Frame
	for _, c := range stream {
		d.Feed([]byte{c})
		for {
			f, err := d.Next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, f)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Seq != uint32(i) || string(f.Payload) != "hello" {
			t.Fatalf("frame %d: %v", i, f)
		}
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", d.Buffered())
	}
}

func TestDecoderRejectsOversizedLength(t *testing.T) {
	t.Parallel()

	hdr := []byte{Version, byte(KindData), 0, 0, 0, 1, 0, 0, 0, 0, 0, 0x80, 0, 1}
	var d Decoder
	d.Feed(hdr)
	_, err := d.Next()
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedError, got %v", err)
	}
	if !errors.Is(err, domain.ErrProtocolViolation) {
		t.Fatal("malformed frames must be protocol violations")
	}
	if _, err2 := d.Next(); err2 != err {
		t.Fatal("decoder must stay failed")
	}
}

func TestDecoderRejectsBadHeaders(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"version":         {9, byte(KindData), 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0},
		"kind":            {Version, 99, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0},
		"data on control": {Version, byte(KindData), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		"ping on session": {Version, byte(KindPing), 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0},
	}
	for name, hdr := range cases {
		var d Decoder
		d.Feed(hdr)
		var me *MalformedError
		if _, err := d.Next(); !errors.As(err, &me) {
			t.Fatalf("%s: expected MalformedError, got %v", name, err)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	if _, err := Encode(Frame{Kind: KindData, Channel: 1, Payload: make([]byte, MaxPayload+1)}); err == nil {
		t.Fatal("expected error")
	}
}

func TestReaderUnexpectedEOF(t *testing.T) {
	t.Parallel()

	b, err := Encode(Frame{Kind: KindData, Channel: 1, Payload: []byte("abc")})
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(append(b, b[:5]...)))
	if _, err := r.ReadFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderCleanEOF(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader(nil))
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestPayloadHelpers(t *testing.T) {
	t.Parallel()

	if n, err := DecodeWindow(EncodeWindow(1 << 20)); err != nil || n != 1<<20 {
		t.Fatalf("window: %d %v", n, err)
	}
	cols, rows, err := DecodeResize(EncodeResize(120, 40))
	if err != nil || cols != 120 || rows != 40 {
		t.Fatalf("resize: %d %d %v", cols, rows, err)
	}
	code := 3
	b, err := MarshalPayload(CloseInfo{Exit: &code})
	if err != nil {
		t.Fatal(err)
	}
	var ci CloseInfo
	if err := UnmarshalPayload(b, &ci); err != nil {
		t.Fatal(err)
	}
	if ci.Exit == nil || *ci.Exit != 3 {
		t.Fatalf("close info: %+v", ci)
	}
}
