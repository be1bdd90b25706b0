package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestCountedTracksBothDirections(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer b.Close()
	c := Count(a)
	defer c.Close()

	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(b, buf)
		_, _ = b.Write([]byte("pong!!"))
	}()

	if err := c.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write([]byte("ping!")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	in, out := c.Bytes()
	if in != 6 || out != 5 {
		t.Fatalf("bytes in/out = %d/%d, want 6/5", in, out)
	}
}
