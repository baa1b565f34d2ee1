package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/metrics"
)

const defaultTimeout = 5 * time.Second

// Dispatcher sends task payloads through a RemoteCaller. The remote call
// runs detached from the caller's context: cancelling ctx stops the wait,
// not the call, and the eventual answer is logged as late.
type Dispatcher struct {
	caller  RemoteCaller
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func New(caller RemoteCaller, opts ...Option) *Dispatcher {
	d := &Dispatcher{caller: caller, timeout: defaultTimeout, logger: zap.NewNop()}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatch"))
	return d
}

// Timeout is the default response timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch performs one remote call and never returns an error: every
// outcome is folded into the Result. A zero timeout uses the default.
func (d *Dispatcher) Dispatch(ctx context.Context, destination string, p Payload, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = d.timeout
	}
	log := d.logger.With(
		zap.String("method", p.Method),
		zap.String("destination", destination),
		zap.Duration("timeout", timeout),
	)

	body, err := p.Encode()
	if err != nil {
		log.Error("payload encode failed", zap.Error(err))
		r := Result{Method: p.Method, Failure: &Failure{Kind: KindTransport, Detail: err.Error(), Err: err}}
		d.metrics.ObserveDispatch(p.Method, r.Outcome(), 0)
		return r
	}
	if destination == "" {
		err := errors.New("no remote participant")
		log.Warn("dispatch without destination")
		r := Result{Method: p.Method, Failure: &Failure{Kind: KindTransport, Detail: err.Error(), Err: err}}
		d.metrics.ObserveDispatch(p.Method, r.Outcome(), 0)
		return r
	}

	log.Info("dispatching task", zap.String("payload", body))
	start := time.Now()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	done := make(chan Result, 1)
	go func() {
		value, err := d.caller.PerformRemoteCall(callCtx, destination, p.Method, body, timeout)
		done <- classify(p.Method, value, err, callCtx, timeout, time.Since(start))
	}()

	select {
	case r := <-done:
		cancel()
		d.record(log, r)
		return r

	case <-callCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case r := <-done:
			cancel()
			d.record(log, r)
			return r
		default:
		}
		r := Result{
			Method:   p.Method,
			Failure:  &Failure{Kind: KindTimeout, Detail: fmt.Sprintf("no response within %s", timeout), Err: ErrTimeout},
			Duration: time.Since(start),
		}
		d.record(log, r)
		go d.drainLate(log, done, cancel)
		return r

	case <-ctx.Done():
		log.Info("stopped waiting for dispatch; remote call continues")
		go d.drainLate(log, done, cancel)
		return Result{
			Method:   p.Method,
			Failure:  &Failure{Kind: KindAbandoned, Detail: "turn superseded", Err: ctx.Err()},
			Duration: time.Since(start),
		}
	}
}

func (d *Dispatcher) record(log *zap.Logger, r Result) {
	d.metrics.ObserveDispatch(r.Method, r.Outcome(), r.Duration)
	if r.OK() {
		log.Info("dispatch succeeded", zap.Duration("elapsed", r.Duration), zap.Int("response_bytes", len(r.Value)))
		return
	}
	log.Warn("dispatch failed",
		zap.String("kind", string(r.Failure.Kind)),
		zap.String("detail", r.Failure.Detail),
		zap.Duration("elapsed", r.Duration),
	)
}

func (d *Dispatcher) drainLate(log *zap.Logger, done <-chan Result, cancel context.CancelFunc) {
	r := <-done
	cancel()
	d.metrics.LateDispatch(r.Method, r.Outcome())
	fields := []zap.Field{zap.String("outcome", r.Outcome()), zap.Duration("elapsed", r.Duration)}
	if r.OK() {
		fields = append(fields, zap.String("value", r.Value))
	}
	log.Info("late dispatch result discarded", fields...)
}

func classify(method, value string, err error, callCtx context.Context, timeout, elapsed time.Duration) Result {
	r := Result{Method: method, Duration: elapsed}
	if err == nil {
		r.Value = value
		return r
	}
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		r.Failure = &Failure{Kind: KindRejected, Detail: remote.Message, Err: err}
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(callCtx.Err(), context.DeadlineExceeded):
		r.Failure = &Failure{Kind: KindTimeout, Detail: fmt.Sprintf("no response within %s", timeout), Err: err}
	default:
		r.Failure = &Failure{Kind: KindTransport, Detail: err.Error(), Err: err}
	}
	return r
}
