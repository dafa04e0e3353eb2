package testutils

import (
	"context"
	"errors"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/google/uuid"
)

var ErrEngineFailure = errors.New("engine failure")

// FakeEngine is an in-memory ports.MediaEngine. Producers are visible to
// every router of the engine; CanConsume additionally requires the
// capabilities to carry a codec of the producer's kind.
type FakeEngine struct {
	mu                sync.Mutex
	routers           []*FakeRouter
	producers         map[domain.ProducerID]*FakeProducer
	createRouterCalls int

	// Set to make the matching call fail.
	CreateRouterErr    error
	CreateTransportErr error
	ProduceErr         error
	ConsumeErr         error

	// When non-nil, CreateWebRTCTransport blocks until it is closed or the
	// call's context ends.
	TransportGate chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		producers: make(map[domain.ProducerID]*FakeProducer),
		done:      make(chan struct{}),
	}
}

func (e *FakeEngine) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.createRouterCalls++
	if e.CreateRouterErr != nil {
		return nil, e.CreateRouterErr
	}
	r := &FakeRouter{
		id:     domain.RouterID(uuid.NewString()),
		engine: e,
		codecs: codecs,
	}
	e.routers = append(e.routers, r)
	return r, nil
}

func (e *FakeEngine) Done() <-chan struct{} { return e.done }

func (e *FakeEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *FakeEngine) Close() error {
	e.Kill(nil)
	return nil
}

// Kill simulates the engine dying.
func (e *FakeEngine) Kill(err error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *FakeEngine) CreateRouterCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createRouterCalls
}

func (e *FakeEngine) Routers() []*FakeRouter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeRouter(nil), e.routers...)
}

func (e *FakeEngine) Producer(id domain.ProducerID) (*FakeProducer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.producers[id]
	return p, ok
}

type FakeRouter struct {
	id     domain.RouterID
	engine *FakeEngine
	codecs []domain.RTPCodecCapability

	mu         sync.Mutex
	closed     bool
	transports []*FakeTransport
}

func (r *FakeRouter) ID() domain.RouterID { return r.id }

func (r *FakeRouter) RTPCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: r.codecs}
}

func (r *FakeRouter) CreateWebRTCTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	e := r.engine
	e.mu.Lock()
	gate := e.TransportGate
	failure := e.CreateTransportErr
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRouterClosed
	}
	t := &FakeTransport{
		id:        domain.TransportID(uuid.NewString()),
		router:    r,
		direction: opts.Direction,
	}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *FakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.engine.Producer(producerID)
	if !ok || p.Closed() {
		return false
	}
	for _, c := range caps.Codecs {
		if c.Kind == p.Kind() {
			return true
		}
	}
	return false
}

func (r *FakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *FakeRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FakeRouter) Transports() []*FakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeTransport(nil), r.transports...)
}

type FakeTransport struct {
	id        domain.TransportID
	router    *FakeRouter
	direction domain.Direction

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *FakeTransport) ID() domain.TransportID { return t.id }

func (t *FakeTransport) Direction() domain.Direction { return t.direction }

func (t *FakeTransport) Parameters() domain.TransportParameters {
	return domain.TransportParameters{
		ID: t.id,
		ICEParameters: domain.ICEParameters{
			UsernameFragment: "ufrag",
			Password:         "pwd",
			ICELite:          true,
		},
		ICECandidates: []domain.ICECandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DTLSParameters: domain.DTLSParameters{
			Role: "auto",
			Fingerprints: []domain.DTLSFingerprint{{
				Algorithm: "sha-256",
				Value:     "00:11:22",
			}},
		},
	}
}

func (t *FakeTransport) Connect(ctx context.Context, params domain.ConnectParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.connected = true
	return nil
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	e := t.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ProduceErr != nil {
		return nil, e.ProduceErr
	}
	p := &FakeProducer{
		id:   domain.ProducerID(uuid.NewString()),
		kind: kind,
	}
	e.producers[p.id] = p
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	e := t.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ConsumeErr != nil {
		return nil, e.ConsumeErr
	}
	p, ok := e.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return &FakeConsumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producerID,
		kind:       p.kind,
	}, nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type FakeProducer struct {
	id   domain.ProducerID
	kind domain.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

// NewFakeProducer returns a producer that is not registered with any engine.
func NewFakeProducer(kind domain.MediaKind) *FakeProducer {
	return &FakeProducer{id: domain.ProducerID(uuid.NewString()), kind: kind}
}

func (p *FakeProducer) ID() domain.ProducerID  { return p.id }
func (p *FakeProducer) Kind() domain.MediaKind { return p.kind }

func (p *FakeProducer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *FakeProducer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *FakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *FakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *FakeProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type FakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind

	mu     sync.Mutex
	closed bool
}

func NewFakeConsumer(producerID domain.ProducerID, kind domain.MediaKind) *FakeConsumer {
	return &FakeConsumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producerID,
		kind:       kind,
	}
}

func (c *FakeConsumer) ID() domain.ConsumerID         { return c.id }
func (c *FakeConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *FakeConsumer) Kind() domain.MediaKind        { return c.kind }

func (c *FakeConsumer) RTPParameters() domain.RTPParameters {
	codec := domain.RTPCodecParameters{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}
	if c.kind == domain.KindVideo {
		codec = domain.RTPCodecParameters{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}
	}
	return domain.RTPParameters{
		MID:       "0",
		Codecs:    []domain.RTPCodecParameters{codec},
		Encodings: []domain.RTPEncodingParameters{{SSRC: 1111}},
	}
}

func (c *FakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DefaultCodecs is a small audio+video codec table for tests.
func DefaultCodecs() []domain.RTPCodecCapability {
	return []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}
}
