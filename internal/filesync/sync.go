package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/tetherdev/tether/internal/codec"
	"github.com/tetherdev/tether/internal/domain"
	"github.com/tetherdev/tether/internal/mux"
)

// ChunkSize is the largest piece of file data carried by one message.
const ChunkSize = 32 * 1024

// DefaultPollInterval is how often watch mode rescans the source.
const DefaultPollInterval = 2 * time.Second

const (
	msgBegin    = "begin"
	msgManifest = "manifest"
	msgMkdir    = "mkdir"
	msgFile     = "file"
	msgChunk    = "chunk"
	msgEnd      = "end"
	msgDelete   = "delete"
	msgCommit   = "commit"
	msgResult   = "result"
	msgError    = "error"
	msgBye      = "bye"
)

type message struct {
	Type     string   `cbor:"t"`
	Entry    *Entry   `cbor:"e,omitempty"`
	Manifest Manifest `cbor:"m,omitempty"`
	Path     string   `cbor:"p,omitempty"`
	Data     []byte   `cbor:"d,omitempty"`
	Hash     []byte   `cbor:"h,omitempty"`
	Summary  *Summary `cbor:"s,omitempty"`
	Error    string   `cbor:"err,omitempty"`
}

// Summary lists what one or more rounds changed on the sink.
type Summary struct {
	Changed []string `cbor:"changed,omitempty"`
	Deleted []string `cbor:"deleted,omitempty"`
	Bytes   int64    `cbor:"bytes,omitempty"`
}

// Empty reports whether nothing changed.
func (s Summary) Empty() bool {
	return len(s.Changed) == 0 && len(s.Deleted) == 0
}

func (s *Summary) merge(o Summary) {
	s.Changed = append(s.Changed, o.Changed...)
	s.Deleted = append(s.Deleted, o.Deleted...)
	s.Bytes += o.Bytes
}

// Options tune a sync. Both ends must agree on Checksum.
type Options struct {
	Delete       bool
	Watch        bool
	Checksum     bool
	PollInterval time.Duration
	// OnRound is called after every completed round.
	OnRound func(Summary)
}

// OptionsFrom converts session parameters.
func OptionsFrom(p mux.SyncParams) Options {
	return Options{Delete: p.Delete, Watch: p.Watch, Checksum: p.Checksum}
}

type conn struct {
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func newConn(rw io.ReadWriter) *conn {
	return &conn{enc: codec.NewEncoder(rw), dec: codec.NewDecoder(rw)}
}

func (c *conn) write(m message) error {
	return c.enc.Encode(m)
}

func (c *conn) read() (message, error) {
	var m message
	if err := c.dec.Decode(&m); err != nil {
		return message{}, err
	}
	if m.Type == msgError {
		return message{}, fmt.Errorf("%w: remote: %s", domain.ErrHandlerFailure, m.Error)
	}
	return m, nil
}

func (c *conn) expect(typ string) (message, error) {
	m, err := c.read()
	if err != nil {
		return message{}, err
	}
	if m.Type != typ {
		return message{}, fmt.Errorf("%w: sync expected %s, got %s", domain.ErrProtocolViolation, typ, m.Type)
	}
	return m, nil
}

// fail reports err to the peer and returns it.
func (c *conn) fail(err error) error {
	_ = c.write(message{Type: msgError, Error: err.Error()})
	return err
}

// Serve runs the device end of a sync session over rw: the sink for a push,
// the source for a pull.
func Serve(ctx context.Context, rw io.ReadWriter, path string, p mux.SyncParams) error {
	opts := OptionsFrom(p)
	var err error
	if p.Direction == mux.SyncPush {
		_, err = Receive(ctx, rw, path, opts)
	} else {
		_, err = Send(ctx, rw, path, opts)
	}
	return err
}

// Send makes the peer's tree match root. In watch mode it keeps polling
// root and syncing changes until ctx is done.
func Send(ctx context.Context, rw io.ReadWriter, root string, opts Options) (Summary, error) {
	c := newConn(rw)
	var total Summary
	src, err := Scan(root, opts.Checksum)
	if err != nil {
		return total, c.fail(err)
	}
	for {
		round, err := c.sendRound(root, src, opts)
		if err != nil {
			return total, err
		}
		total.merge(round)
		if opts.OnRound != nil {
			opts.OnRound(round)
		}
		if !opts.Watch {
			break
		}
		next, err := waitChange(ctx, root, src, opts)
		if err != nil {
			break
		}
		src = next
	}
	_ = c.write(message{Type: msgBye})
	return total, nil
}

func (c *conn) sendRound(root string, src Manifest, opts Options) (Summary, error) {
	if err := c.write(message{Type: msgBegin}); err != nil {
		return Summary{}, err
	}
	m, err := c.expect(msgManifest)
	if err != nil {
		return Summary{}, err
	}
	plan := Diff(src, m.Manifest, opts.Delete)
	for _, e := range plan.Mkdir {
		if err := c.write(message{Type: msgMkdir, Entry: &e}); err != nil {
			return Summary{}, err
		}
	}
	for _, e := range plan.Send {
		if err := c.sendFile(root, e); err != nil {
			return Summary{}, err
		}
	}
	for _, p := range plan.Delete {
		if err := c.write(message{Type: msgDelete, Path: p}); err != nil {
			return Summary{}, err
		}
	}
	if err := c.write(message{Type: msgCommit}); err != nil {
		return Summary{}, err
	}
	res, err := c.expect(msgResult)
	if err != nil {
		return Summary{}, err
	}
	if res.Summary == nil {
		return Summary{}, nil
	}
	return *res.Summary, nil
}

func (c *conn) sendFile(root string, e Entry) error {
	p, err := local(root, e.Path)
	if err != nil {
		return c.fail(err)
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		// Removed since the scan; the next round deletes it remotely.
		return nil
	}
	if err != nil {
		return c.fail(err)
	}
	defer f.Close()

	if err := c.write(message{Type: msgFile, Entry: &e}); err != nil {
		return err
	}
	h := blake3.New()
	buf := make([]byte, ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if err := c.write(message{Type: msgChunk, Data: buf[:n]}); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return c.fail(rerr)
		}
	}
	return c.write(message{Type: msgEnd, Hash: h.Sum(nil)})
}

func waitChange(ctx context.Context, root string, last Manifest, opts Options) (Manifest, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		cur, err := Scan(root, false)
		if err != nil || cur.Equal(last) {
			continue
		}
		if opts.Checksum {
			if cur, err = Scan(root, true); err != nil {
				continue
			}
		}
		return cur, nil
	}
}

// Receive applies rounds sent by the peer under root until the peer says
// goodbye or closes the stream.
func Receive(ctx context.Context, rw io.ReadWriter, root string, opts Options) (Summary, error) {
	c := newConn(rw)
	var total, round Summary
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		m, err := c.read()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		switch m.Type {
		case msgBegin:
			dst, err := Scan(root, opts.Checksum)
			if err != nil {
				return total, c.fail(err)
			}
			if err := c.write(message{Type: msgManifest, Manifest: dst}); err != nil {
				return total, err
			}
		case msgMkdir:
			if m.Entry == nil {
				return total, c.fail(errors.New("mkdir without entry"))
			}
			if err := applyMkdir(root, *m.Entry); err != nil {
				return total, c.fail(err)
			}
		case msgFile:
			if m.Entry == nil {
				return total, c.fail(errors.New("file without entry"))
			}
			n, err := c.receiveFile(root, *m.Entry)
			if err != nil {
				return total, c.fail(err)
			}
			round.Changed = append(round.Changed, m.Entry.Path)
			round.Bytes += n
		case msgDelete:
			if err := applyDelete(root, m.Path, opts.Delete); err != nil {
				return total, c.fail(err)
			}
			round.Deleted = append(round.Deleted, m.Path)
		case msgCommit:
			if err := c.write(message{Type: msgResult, Summary: &round}); err != nil {
				return total, err
			}
			total.merge(round)
			if opts.OnRound != nil {
				opts.OnRound(round)
			}
			round = Summary{}
		case msgBye:
			return total, nil
		default:
			return total, c.fail(fmt.Errorf("%w: unexpected sync message %q", domain.ErrProtocolViolation, m.Type))
		}
	}
}

func applyMkdir(root string, e Entry) error {
	p, err := local(root, e.Path)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(p); err == nil && !info.IsDir() {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return os.MkdirAll(p, dirMode(e.Mode))
}

func applyDelete(root, rel string, allowed bool) error {
	if !allowed {
		return errors.New("delete requested without delete mode")
	}
	if rel == RootPath {
		return fmt.Errorf("%w: refusing to delete the sync root", ErrUnsafePath)
	}
	p, err := local(root, rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (c *conn) receiveFile(root string, e Entry) (int64, error) {
	target, err := local(root, e.Path)
	if err != nil {
		return 0, err
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		if e.Path == RootPath {
			return 0, fmt.Errorf("destination %s is a directory", target)
		}
		if err := os.RemoveAll(target); err != nil {
			return 0, err
		}
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, partialPrefix+"*.part")
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	h := blake3.New()
	w := io.MultiWriter(tmp, h)
	var n int64
	for {
		m, err := c.read()
		if err != nil {
			return n, err
		}
		if m.Type == msgEnd {
			if len(m.Hash) > 0 && !bytes.Equal(m.Hash, h.Sum(nil)) {
				return n, fmt.Errorf("checksum mismatch for %s", e.Path)
			}
			break
		}
		if m.Type != msgChunk {
			return n, fmt.Errorf("%w: unexpected %s inside file %s", domain.ErrProtocolViolation, m.Type, e.Path)
		}
		if _, err := w.Write(m.Data); err != nil {
			return n, err
		}
		n += int64(len(m.Data))
	}

	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Chmod(tmp.Name(), fileMode(e.Mode)); err != nil {
		return n, err
	}
	if e.ModTime != 0 {
		mt := time.Unix(0, e.ModTime)
		if err := os.Chtimes(tmp.Name(), mt, mt); err != nil {
			return n, err
		}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return n, err
	}
	committed = true
	return n, nil
}

func fileMode(m uint32) os.FileMode {
	if m == 0 {
		return 0o644
	}
	return os.FileMode(m).Perm()
}

func dirMode(m uint32) os.FileMode {
	if m == 0 {
		return 0o755
	}
	return os.FileMode(m).Perm() | 0o700
}
