package mux

import (
	"errors"
	"testing"

	"github.com/tetherdev/tether/internal/frame"
)

func TestSchedulerControlFirstThenRoundRobin(t *testing.T) {
	t.Parallel()

	q := newScheduler(func([]byte) error { return nil })
	for i := range 3 {
		if err := q.enqueueSession(frame.Frame{Kind: frame.KindData, Channel: 1, Seq: uint32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.enqueueSession(frame.Frame{Kind: frame.KindData, Channel: 3}); err != nil {
		t.Fatal(err)
	}
	if err := q.enqueueControl(frame.Frame{Kind: frame.KindPing}); err != nil {
		t.Fatal(err)
	}

	var got []uint32
	var kinds []frame.Kind
	for {
		f, ok := q.next()
		if !ok {
			break
		}
		got = append(got, f.Channel)
		kinds = append(kinds, f.Kind)
	}
	wantCh := []uint32{0, 1, 3, 1, 1}
	if len(got) != len(wantCh) {
		t.Fatalf("got %v, want %v", got, wantCh)
	}
	for i := range wantCh {
		if got[i] != wantCh[i] {
			t.Fatalf("got %v, want %v", got, wantCh)
		}
	}
	if kinds[0] != frame.KindPing {
		t.Fatalf("control frame must go first, got %v", kinds[0])
	}
}

func TestSchedulerDropSession(t *testing.T) {
	t.Parallel()

	q := newScheduler(func([]byte) error { return nil })
	_ = q.enqueueSession(frame.Frame{Kind: frame.KindData, Channel: 1})
	_ = q.enqueueSession(frame.Frame{Kind: frame.KindData, Channel: 3})
	q.dropSession(1)
	f, ok := q.next()
	if !ok || f.Channel != 3 {
		t.Fatalf("expected channel 3, got %v %v", f, ok)
	}
	if _, ok := q.next(); ok {
		t.Fatal("expected empty scheduler")
	}
}

func TestSchedulerWriteErrorStops(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	q := newScheduler(func([]byte) error { return boom })
	done := make(chan error, 1)
	go func() { done <- q.run() }()
	_ = q.enqueueControl(frame.Frame{Kind: frame.KindPing})
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := q.enqueueControl(frame.Frame{Kind: frame.KindPing}); !errors.Is(err, boom) {
		t.Fatalf("expected enqueue after failure to return boom, got %v", err)
	}
}
