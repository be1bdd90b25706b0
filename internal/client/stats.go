package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tetherdev/tether/internal/codec"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/handler"
	"github.com/tetherdev/tether/internal/mux"
)

// Stats streams metrics samples from a device, calling fn for each, until
// ctx is done or the device ends the stream. An interval of zero uses the
// device default.
func (c *Client) Stats(ctx context.Context, device string, interval time.Duration, fn func(handler.Sample)) error {
	params := &mux.MetricsParams{IntervalMillis: int(interval / time.Millisecond)}
	m, s, err := c.session(ctx, device, mux.OpenParams{Type: mux.TypeMetrics, Metrics: params})
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	stop := context.AfterFunc(ctx, func() { s.Abort(domain.CodeAborted, "stopped") })
	defer stop()
	// The device stops sampling once our side closes, so it stays open.

	dec := codec.NewDecoder(s)
	for {
		var sample handler.Sample
		if err := dec.Decode(&sample); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(sample)
	}
}
