package reliability

import (
	"context"
	"errors"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/circuitbreaker"
	"huddle/pkg/tracing"

	"go.uber.org/zap"
)

type GuardConfig struct {
	// CallTimeout bounds every engine call; zero leaves calls unbounded.
	CallTimeout    time.Duration
	BreakerEnabled bool
	Breaker        circuitbreaker.Config
}

// EngineGuard wraps a MediaEngine so that every blocking call gets the call
// timeout, a tracing span and the process-wide circuit breaker. A call whose
// caller gave up still runs to completion; any handle it returns late is
// closed instead of leaking.
type EngineGuard struct {
	ports.MediaEngine

	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.SessionMetrics
	logger  *zap.SugaredLogger
}

func NewEngineGuard(engine ports.MediaEngine, cfg GuardConfig, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *EngineGuard {
	g := &EngineGuard{
		MediaEngine: engine,
		timeout:     cfg.CallTimeout,
		metrics:     metrics,
		logger:      logger,
	}

	if cfg.BreakerEnabled {
		bc := cfg.Breaker
		bc.IsFailure = countsAgainstEngine
		g.breaker = circuitbreaker.New(bc)
		g.breaker.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warnw("engine circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
		})
	}

	return g
}

// countsAgainstEngine keeps caller-side cancellations and lookups of stale
// ids from tripping the breaker.
func countsAgainstEngine(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrProducerNotFound),
		errors.Is(err, domain.ErrRouterClosed):
		return false
	}
	return true
}

func (g *EngineGuard) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	router, err := guardedCall(ctx, g, "create_router",
		func(ctx context.Context) (ports.Router, error) {
			return g.MediaEngine.CreateRouter(ctx, codecs)
		},
		func(r ports.Router) { _ = r.Close() },
	)
	if err != nil {
		return nil, err
	}
	return &guardedRouter{Router: router, guard: g}, nil
}

// guardedCall runs fn under the guard. If ctx ends first, the eventual result
// of fn is handed to discard.
func guardedCall[T any](ctx context.Context, g *EngineGuard, op string, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	var zero T

	ctx, span := tracing.TraceEngineCall(ctx, op)
	defer span.End()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	run := func() (T, error) {
		type result struct {
			v   T
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := fn(ctx)
			done <- result{v, err}
		}()

		select {
		case res := <-done:
			return res.v, res.err
		case <-ctx.Done():
			go func() {
				if res := <-done; res.err == nil && discard != nil {
					discard(res.v)
				}
			}()
			return zero, ctx.Err()
		}
	}

	var (
		v   T
		err error
	)
	if g.breaker != nil {
		v, err = circuitbreaker.Run(g.breaker, run)
	} else {
		v, err = run()
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		if countsAgainstEngine(err) {
			if g.metrics != nil {
				g.metrics.RecordEngineError(op)
			}
			g.logger.Warnw("engine call failed",
				"operation", op,
				"error", err,
			)
		}
		return zero, err
	}
	return v, nil
}

type guardedRouter struct {
	ports.Router
	guard *EngineGuard
}

func (r *guardedRouter) CreateWebRTCTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	t, err := guardedCall(ctx, r.guard, "create_transport",
		func(ctx context.Context) (ports.Transport, error) {
			return r.Router.CreateWebRTCTransport(ctx, opts)
		},
		func(t ports.Transport) { _ = t.Close() },
	)
	if err != nil {
		return nil, err
	}
	return &guardedTransport{Transport: t, guard: r.guard}, nil
}

type guardedTransport struct {
	ports.Transport
	guard *EngineGuard
}

func (t *guardedTransport) Connect(ctx context.Context, params domain.ConnectParameters) error {
	_, err := guardedCall(ctx, t.guard, "connect_transport",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.Transport.Connect(ctx, params)
		},
		nil,
	)
	return err
}

func (t *guardedTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	return guardedCall(ctx, t.guard, "produce",
		func(ctx context.Context) (ports.Producer, error) {
			return t.Transport.Produce(ctx, kind, params)
		},
		func(p ports.Producer) { _ = p.Close() },
	)
}

func (t *guardedTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	return guardedCall(ctx, t.guard, "consume",
		func(ctx context.Context) (ports.Consumer, error) {
			return t.Transport.Consume(ctx, producerID, caps)
		},
		func(c ports.Consumer) { _ = c.Close() },
	)
}
