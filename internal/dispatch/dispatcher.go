package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/observability"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/frame"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds concurrently running async and stream handlers.
const DefaultWorkers = 64

// Dispatcher routes inbound requests to registered responders. It is the
// session.RequestHandler of a serving endpoint.
type Dispatcher struct {
	reg     *Registry
	sem     *semaphore.Weighted
	workers int64
	log     zerolog.Logger
	wg      sync.WaitGroup
}

var _ session.RequestHandler = (*Dispatcher)(nil)

// NewDispatcher serves reg with at most workers handlers off the receive
// goroutine at a time. workers <= 0 means DefaultWorkers.
func NewDispatcher(reg *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		reg:     reg,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
		log:     logging.Component("dispatch"),
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.reg
}

// Workers is the worker pool bound.
func (d *Dispatcher) Workers() int {
	return int(d.workers)
}

// Wait blocks until every spawned handler returned. Handlers end when their
// request context does, so closing the endpoint first bounds the wait.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleRequest runs on the endpoint's receive goroutine. Sync block
// responders finish here; everything that may block moves to a worker.
func (d *Dispatcher) HandleRequest(req *session.Request) {
	start := time.Now()
	e, ok := d.reg.lookup(req.Kind)
	if !ok {
		if req.Payload != nil {
			req.Payload.Release()
		}
		d.log.Debug().
			Uint64("conn", req.Conn.ID()).
			Str("kind", req.Kind.String()).
			Msg("dispatch.Dispatcher no responder")
		if err := req.ReplyResult(protocol.ResultNoNetService); err != nil {
			d.logReplyError(err, "unknown")
		}
		observability.RecordDispatch("unknown", protocol.ResultNoNetService.String(), time.Since(start))
		return
	}

	call := &Call{Conn: req.Conn, Request: req, Info: e.info, d: d, start: start}
	if req.Mode != e.info.Mode {
		d.log.Debug().
			Str("responder", e.info.Name).
			Str("mode", req.Mode.String()).
			Msg("dispatch.Dispatcher request mode mismatch")
		d.finish(call, Result(protocol.ResultInvalidOperation))
		return
	}
	if req.Mode == frame.ModeStream || e.info.Reply == frame.ModeStream {
		d.spawn(call, func(ctx context.Context) Outcome {
			if req.Stream != nil {
				prefix, err := req.Stream.ReadPrefix()
				if err != nil {
					d.log.Debug().Err(err).Str("responder", e.info.Name).Msg("dispatch.Dispatcher stream prefix")
					return Result(protocol.ResultFromError(err))
				}
				call.Payload = prefix
			} else {
				call.Payload = req.Payload.Bytes()
			}
			return d.run(ctx, call, e)
		})
		return
	}
	call.Payload = req.Payload.Bytes()
	d.finish(call, d.run(req.Context(), call, e))
}

// run sends call through the entry's filters to its responder.
func (d *Dispatcher) run(ctx context.Context, call *Call, e *entry) Outcome {
	var next Stage = e.responder.Respond
	for i := len(e.filters) - 1; i >= 0; i-- {
		f, inner := e.filters[i], next
		next = func(ctx context.Context, call *Call) Outcome {
			return f.Apply(ctx, call, inner)
		}
	}
	return d.guard(call, func() Outcome { return next(ctx, call) })
}

func (d *Dispatcher) guard(call *Call, fn func() Outcome) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error().
				Interface("panic", p).
				Str("responder", call.Info.Name).
				Bytes("stack", debug.Stack()).
				Msg("dispatch.Dispatcher responder panicked")
			out = Result(protocol.ResultUnknownError)
		}
	}()
	return fn()
}

// spawn runs fn on the worker pool under the request's context.
func (d *Dispatcher) spawn(call *Call, fn func(ctx context.Context) Outcome) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := call.Request.Context()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.finish(call, Result(protocol.ResultFromError(err)))
			return
		}
		defer d.sem.Release(1)
		d.finish(call, d.guard(call, func() Outcome { return fn(ctx) }))
	}()
}

// finish releases the request buffer, then sends the outcome unless the
// handler already answered.
func (d *Dispatcher) finish(call *Call, out Outcome) {
	if out.pending {
		return
	}
	call.release()
	req := call.Request
	if !req.Replied() {
		if err := d.send(call, out); err != nil {
			d.logReplyError(err, call.Info.Name)
		}
	}
	observability.RecordDispatch(call.Info.Name, out.Result.String(), time.Since(call.start))
}

func (d *Dispatcher) send(call *Call, out Outcome) error {
	req := call.Request
	if out.Body == nil {
		return req.ReplyResult(out.Result)
	}
	b, err := out.Body.MarshalBinary()
	if err != nil {
		d.log.Error().Err(err).Str("responder", call.Info.Name).Msg("dispatch.Dispatcher encode reply")
		return req.ReplyResult(protocol.ResultUnknownError)
	}
	if err := req.ReplyWith(call.Info.Kind, out.Result, b); err != nil {
		if errors.Is(err, protocol.ErrBlockTooLarge) {
			return req.ReplyResult(protocol.ResultTooLarge)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) logReplyError(err error, responder string) {
	if errors.Is(err, protocol.ErrClosed) || errors.Is(err, protocol.ErrCanceled) || errors.Is(err, session.ErrAlreadyReplied) {
		d.log.Debug().Err(err).Str("responder", responder).Msg("dispatch.Dispatcher reply dropped")
		return
	}
	d.log.Warn().Err(err).Str("responder", responder).Msg("dispatch.Dispatcher reply failed")
}
