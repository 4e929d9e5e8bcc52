package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twinj/uuid"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// RequestState is the lifecycle position of a Request.
type RequestState uint8

const (
	RequestCreated RequestState = iota
	RequestRunning
	RequestFinished
	RequestFailed
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestCreated:
		return "created"
	case RequestRunning:
		return "running"
	case RequestFinished:
		return "finished"
	case RequestFailed:
		return "failed"
	case RequestCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Work is the body of a Request.  It should check ctx between units of work and report
// progress in percent.
type Work func(ctx context.Context, progress func(percent float64)) (interface{}, error)

// Request is a cancellable handle on a long operation.
type Request struct {
	id     string
	work   Work
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    RequestState
	result   interface{}
	err      error
	progress float64

	finished  signal[interface{}]
	failed    signal[error]
	cancelled signal[struct{}]
	progSig   signal[float64]
}

// NewRequest returns a request for work.  Nothing runs until Submit.
func NewRequest(work Work) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	return &Request{
		id:     uuid.NewV4().String(),
		work:   work,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (r *Request) ID() string { return r.id }

func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Progress returns the last reported percent complete.
func (r *Request) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Submit starts the work in its own goroutine.  Later calls have no effect.
func (r *Request) Submit() *Request {
	r.mu.Lock()
	if r.state != RequestCreated {
		r.mu.Unlock()
		return r
	}
	r.state = RequestRunning
	r.mu.Unlock()
	go r.run()
	return r
}

func (r *Request) run() {
	defer r.cancel()
	timedLog := voxflow.NewTimeLog()
	result, err := r.work(r.ctx, r.report)

	r.mu.Lock()
	switch {
	case err == nil:
		r.state, r.result = RequestFinished, result
	case r.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, voxflow.ErrCancelled)):
		r.state, r.err = RequestCancelled, fmt.Errorf("request %s: %w", r.id, voxflow.ErrCancelled)
	default:
		r.state, r.err = RequestFailed, err
	}
	state := r.state
	r.mu.Unlock()
	close(r.done)

	switch state {
	case RequestFinished:
		r.report(100)
		timedLog.Debugf("Request %s finished", r.id)
		r.finished.emit(result)
	case RequestCancelled:
		timedLog.Infof("Request %s cancelled", r.id)
		r.cancelled.emit(struct{}{})
	default:
		timedLog.Errorf("Request %s failed: %v", r.id, err)
		r.failed.emit(err)
	}
}

// report records progress, ignoring values that would move it backwards.
func (r *Request) report(percent float64) {
	if percent > 100 {
		percent = 100
	}
	r.mu.Lock()
	if percent <= r.progress {
		r.mu.Unlock()
		return
	}
	r.progress = percent
	r.mu.Unlock()
	r.progSig.emit(percent)
}

// Wait blocks until the request completes and returns its result.  A request that was
// never submitted is submitted first.
func (r *Request) Wait() (interface{}, error) {
	r.Submit()
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Cancel asks the work to stop at its next check.  A request cancelled before Submit
// never runs its work body past the first check.
func (r *Request) Cancel() {
	r.cancel()
}

func (r *Request) NotifyFinished(fn func(result interface{})) (unsubscribe func()) {
	return r.finished.subscribe(fn)
}

func (r *Request) NotifyFailed(fn func(err error)) (unsubscribe func()) {
	return r.failed.subscribe(fn)
}

func (r *Request) NotifyCancelled(fn func()) (unsubscribe func()) {
	return r.cancelled.subscribe(func(struct{}) { fn() })
}

// NotifyProgress registers fn for progress updates, which never decrease.
func (r *Request) NotifyProgress(fn func(percent float64)) (unsubscribe func()) {
	return r.progSig.subscribe(fn)
}

// ExportRequest pulls roi of a slot tile by tile and hands each tile to sink.
// Cancellation takes effect between tiles.
func ExportRequest(src Source, roi voxflow.Slice5D, tile voxflow.Shape5D, sink func(*array5d.Array5D) error) *Request {
	return NewRequest(func(ctx context.Context, progress func(float64)) (interface{}, error) {
		if !src.Ready() {
			return nil, fmt.Errorf("export from %s: %w", src.Name(), voxflow.ErrNotReady)
		}
		bounds := src.Meta().Bounds()
		roi := roi.DefinedWithin(bounds)
		total := roi.Shape().Volume()
		var done int64
		for piece := range roi.Split(tile) {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("export stopped before %s: %w", piece, voxflow.ErrCancelled)
			}
			data, err := src.Get(ctx, piece)
			if err != nil {
				return nil, err
			}
			if err := sink(data); err != nil {
				return nil, err
			}
			done += piece.Shape().Volume()
			if total > 0 {
				progress(100 * float64(done) / float64(total))
			}
		}
		return done, nil
	})
}
