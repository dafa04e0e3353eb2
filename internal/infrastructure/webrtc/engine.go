package webrtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	errEngineClosed        = errors.New("media engine closed")
	errTransportClosed     = errors.New("transport closed")
	errWrongDirection      = errors.New("operation not allowed on this transport direction")
	errAlreadyConnected    = errors.New("transport already connected")
	errRemoteICERequired   = errors.New("remote ICE parameters are required")
	errMissingFingerprints = errors.New("remote DTLS fingerprints are required")
	errUnsupportedCodec    = errors.New("no producer codec is supported by the router")
	errSSRCRequired        = errors.New("producer encodings must carry an SSRC")
)

// Config holds the network settings shared by every transport.
type Config struct {
	ListenIP    string
	AnnouncedIP string
	PortMin     uint16
	PortMax     uint16

	// IncludeLoopback gathers 127.0.0.1 candidates; used in tests.
	IncludeLoopback bool
}

// Engine is a ports.MediaEngine built on pion's ORTC API. Every transport is
// an ICE-lite ICE+DTLS pair; media is relayed between RTP receivers and
// senders in process.
type Engine struct {
	cfg    Config
	cert   webrtc.Certificate
	logger *zap.SugaredLogger

	mu      sync.Mutex
	routers map[domain.RouterID]*Router
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ ports.MediaEngine = (*Engine)(nil)

func NewEngine(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate DTLS key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate DTLS certificate: %w", err)
	}
	if _, err := newSettingEngine(cfg); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		cert:    *cert,
		logger:  logger,
		routers: make(map[domain.RouterID]*Router),
		done:    make(chan struct{}),
	}, nil
}

func newSettingEngine(cfg Config) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	se.SetLite(true)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return se, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.ListenIP != "" && cfg.ListenIP != "0.0.0.0" && cfg.ListenIP != "::" {
		listen := net.ParseIP(cfg.ListenIP)
		if listen == nil {
			return se, fmt.Errorf("invalid listen ip %q", cfg.ListenIP)
		}
		se.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}
	return se, nil
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assigned, err := assignPayloadTypes(codecs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}

	r := &Router{
		id:         domain.RouterID(uuid.NewString()),
		engine:     e,
		codecs:     assigned,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
		logger:     e.logger,
	}
	e.routers[r.id] = r

	e.logger.Debugw("router created",
		"router_id", r.id,
		"codecs", len(assigned),
	)
	return r, nil
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Close closes every router and then Done.
func (e *Engine) Close() error {
	e.shutdown(nil)
	return nil
}

func (e *Engine) shutdown(cause error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		routers := make([]*Router, 0, len(e.routers))
		for _, r := range e.routers {
			routers = append(routers, r)
		}
		e.mu.Unlock()

		for _, r := range routers {
			_ = r.Close()
		}

		e.errMu.Lock()
		e.err = cause
		e.errMu.Unlock()
		close(e.done)
	})
}

func (e *Engine) removeRouter(id domain.RouterID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, id)
}

// RouterCount reports the live routers.
func (e *Engine) RouterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}
