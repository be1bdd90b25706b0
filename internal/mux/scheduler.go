package mux

import (
	"errors"
	"sync"

	"github.com/tetherdev/tether/internal/frame"
)

// ErrSchedulerClosed is returned when frames are queued after the write
// loop has stopped.
var ErrSchedulerClosed = errors.New("frame scheduler closed")

// scheduler serializes frame writes for one connection. Control frames
// (open, open-ack, window-update, ping, pong, aborts) go out ahead of
// session traffic; session frames are taken one at a time, round-robin over
// the sessions that have something queued, so a bulk transfer cannot starve
// an interactive session.
type scheduler struct {
	writeFn func([]byte) error

	mu      sync.Mutex
	control []frame.Frame
	queues  map[uint32][]frame.Frame
	ready   []uint32
	err     error

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newScheduler(writeFn func([]byte) error) *scheduler {
	return &scheduler{
		writeFn: writeFn,
		queues:  make(map[uint32][]frame.Frame),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *scheduler) enqueueControl(f frame.Frame) error {
	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return err
	}
	q.control = append(q.control, f)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *scheduler) enqueueSession(f frame.Frame) error {
	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return err
	}
	pending := q.queues[f.Channel]
	if len(pending) == 0 {
		q.ready = append(q.ready, f.Channel)
	}
	q.queues[f.Channel] = append(pending, f)
	q.mu.Unlock()
	q.signal()
	return nil
}

// dropSession discards everything still queued for channel.
func (q *scheduler) dropSession(channel uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[channel]; !ok {
		return
	}
	delete(q.queues, channel)
	for i, id := range q.ready {
		if id == channel {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
}

func (q *scheduler) next() (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.control) > 0 {
		f := q.control[0]
		q.control[0] = frame.Frame{}
		q.control = q.control[1:]
		return f, true
	}
	if len(q.ready) == 0 {
		return frame.Frame{}, false
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	pending := q.queues[id]
	f := pending[0]
	if len(pending) == 1 {
		delete(q.queues, id)
	} else {
		pending[0] = frame.Frame{}
		q.queues[id] = pending[1:]
		q.ready = append(q.ready, id)
	}
	return f, true
}

func (q *scheduler) run() error {
	defer close(q.done)

	buf := make([]byte, 0, frame.HeaderSize+frame.MaxPayload)
	for {
		f, ok := q.next()
		if !ok {
			select {
			case <-q.stop:
				return nil
			case <-q.wake:
				continue
			}
		}
		var err error
		buf, err = frame.Append(buf[:0], f)
		if err == nil {
			err = q.writeFn(buf)
		}
		if err != nil {
			q.close(err)
			return err
		}
	}
}

func (q *scheduler) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close makes every later enqueue fail with err and stops the write loop
// once it is idle.
func (q *scheduler) close(err error) {
	if err == nil {
		err = ErrSchedulerClosed
	}
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.control = nil
	q.queues = make(map[uint32][]frame.Frame)
	q.ready = nil
	q.mu.Unlock()
	q.stopOnce.Do(func() {
		close(q.stop)
	})
}
