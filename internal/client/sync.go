package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/filesync"
	"github.com/tetherdev/tether/internal/mux"
)

// Location is one side of a sync: a local path, or a path on Device.
type Location struct {
	Device string
	Path   string
}

func (l Location) Remote() bool { return l.Device != "" }

func (l Location) String() string {
	if l.Remote() {
		return l.Device + ":" + l.Path
	}
	return l.Path
}

// ParseLocation splits "device:/path". A single-letter prefix is a Windows
// drive, so "C:\data" stays local.
func ParseLocation(s string) (Location, error) {
	if strings.TrimSpace(s) == "" {
		return Location{}, errors.New("empty path")
	}
	device, path, ok := strings.Cut(s, ":")
	if !ok || len(device) == 1 || strings.ContainsAny(device, `/\`) {
		return Location{Path: s}, nil
	}
	if device == "" {
		return Location{}, fmt.Errorf("missing device name in %q", s)
	}
	if path == "" {
		return Location{}, fmt.Errorf("missing device path in %q", s)
	}
	return Location{Device: device, Path: path}, nil
}

type SyncOptions struct {
	Src, Dst Location
	Delete   bool
	Watch    bool
	Checksum bool
	// Out receives one line per completed round. Nil discards them.
	Out io.Writer
}

// Sync makes Dst match Src. Exactly one side must be on a device.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (filesync.Summary, error) {
	var (
		device, remotePath, localPath, direction string
	)
	switch {
	case opts.Src.Remote() == opts.Dst.Remote():
		return filesync.Summary{}, errors.New("exactly one of source and destination must be device:/path")
	case opts.Dst.Remote():
		device, remotePath, localPath, direction = opts.Dst.Device, opts.Dst.Path, opts.Src.Path, mux.SyncPush
	default:
		device, remotePath, localPath, direction = opts.Src.Device, opts.Src.Path, opts.Dst.Path, mux.SyncPull
	}

	params := mux.SyncParams{
		Path:      remotePath,
		Direction: direction,
		Delete:    opts.Delete,
		Watch:     opts.Watch,
		Checksum:  opts.Checksum,
	}
	m, s, err := c.session(ctx, device, mux.OpenParams{Type: mux.TypeSync, Sync: &params})
	if err != nil {
		return filesync.Summary{}, err
	}
	defer func() { _ = m.Close() }()
	defer func() { _ = s.Close() }()
	stop := context.AfterFunc(ctx, func() { s.Abort(domain.CodeAborted, "interrupted") })
	defer stop()

	fopts := filesync.OptionsFrom(params)
	if opts.Out != nil {
		fopts.OnRound = func(sum filesync.Summary) {
			_, _ = fmt.Fprintln(opts.Out, FormatSummary(sum))
		}
	}
	c.log.Debug("sync started", "device", device, "direction", direction, "remote", remotePath, "local", localPath)
	if direction == mux.SyncPush {
		sum, err := filesync.Send(ctx, s, localPath, fopts)
		if err == nil {
			_ = s.CloseWrite()
			// Drain until the device acknowledges by closing its side.
			_, _ = io.Copy(io.Discard, s)
		}
		return sum, err
	}
	sum, err := filesync.Receive(ctx, s, localPath, fopts)
	if err != nil && ctx.Err() != nil {
		return sum, nil
	}
	return sum, err
}

// FormatSummary renders a sync round for the terminal.
func FormatSummary(s filesync.Summary) string {
	if s.Empty() {
		return styled(ansiDim, "up to date")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d changed, %d deleted, %s transferred",
		styled(ansiGreen, "synced"), len(s.Changed), len(s.Deleted), humanize.IBytes(uint64(max(s.Bytes, 0))))
	for _, p := range s.Changed {
		b.WriteString("\n  ")
		b.WriteString(styled(ansiGreen, "+ "))
		b.WriteString(p)
	}
	for _, p := range s.Deleted {
		b.WriteString("\n  ")
		b.WriteString(styled(ansiRed, "- "))
		b.WriteString(p)
	}
	return b.String()
}
