package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// keyframeRequestInterval bounds how often PLIs reach a producer no matter
// how many consumers ask.
const keyframeRequestInterval = 500 * time.Millisecond

// Producer reads one inbound RTP stream and fans it out to its consumers.
type Producer struct {
	id          domain.ProducerID
	kind        domain.MediaKind
	routerCodec domain.RTPCodecCapability
	ssrc        uint32
	transport   *Transport
	receiver    *webrtc.RTPReceiver
	pli         *rate.Limiter
	logger      *zap.SugaredLogger

	paused atomic.Bool

	mu        sync.RWMutex
	closed    bool
	consumers map[domain.ConsumerID]*Consumer
}

var _ ports.Producer = (*Producer)(nil)

func newProducer(t *Transport, kind domain.MediaKind, routerCodec domain.RTPCodecCapability, ssrc uint32, receiver *webrtc.RTPReceiver) *Producer {
	return &Producer{
		id:          domain.ProducerID(uuid.NewString()),
		kind:        kind,
		routerCodec: routerCodec,
		ssrc:        ssrc,
		transport:   t,
		receiver:    receiver,
		pli:         rate.NewLimiter(rate.Every(keyframeRequestInterval), 1),
		logger:      t.logger,
		consumers:   make(map[domain.ConsumerID]*Consumer),
	}
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Paused() bool           { return p.paused.Load() }

func (p *Producer) Pause() error {
	p.paused.Store(true)
	return nil
}

// Resume restarts forwarding; video consumers wait for the next keyframe.
func (p *Producer) Resume() error {
	if !p.paused.Swap(false) {
		return nil
	}
	if p.kind == domain.KindVideo {
		p.mu.RLock()
		for _, c := range p.consumers {
			c.waitKeyframe.Store(true)
		}
		p.mu.RUnlock()
		p.RequestKeyframe()
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.consumers = make(map[domain.ConsumerID]*Consumer)
	p.mu.Unlock()

	err := p.receiver.Stop()
	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	return err
}

func (p *Producer) start() {
	go p.forward()
	go p.drainRTCP()
}

func (p *Producer) forward() {
	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("producer stream ended",
					"producer_id", p.id,
					"error", err,
				)
			}
			return
		}
		if p.paused.Load() {
			continue
		}
		p.fanOut(pkt)
	}
}

func (p *Producer) fanOut(pkt *rtp.Packet) {
	keyframe := p.kind == domain.KindVideo && isKeyframe(p.routerCodec.MimeType, pkt.Payload)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.consumers {
		c.write(pkt, keyframe)
	}
}

// drainRTCP keeps the receiver's RTCP reader moving so its interceptors run.
func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// RequestKeyframe sends a PLI to the producing endpoint.
func (p *Producer) RequestKeyframe() {
	if p.kind != domain.KindVideo || !p.pli.Allow() {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.ssrc}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.logger.Debugw("failed to send PLI",
			"producer_id", p.id,
			"error", err,
		)
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// Consumer relays one producer's stream to a recv transport.
type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	params    domain.RTPParameters
	logger    *zap.SugaredLogger

	waitKeyframe atomic.Bool
	closeOnce    sync.Once
}

var _ ports.Consumer = (*Consumer)(nil)

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }

func (c *Consumer) start() {
	go c.readRTCP()
}

// write forwards pkt; video consumers drop everything before a keyframe.
func (c *Consumer) write(pkt *rtp.Packet, keyframe bool) {
	if c.waitKeyframe.Load() {
		if !keyframe {
			return
		}
		c.waitKeyframe.Store(false)
	}
	if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debugw("failed to forward packet",
			"consumer_id", c.id,
			"error", err,
		)
	}
}

func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.RequestKeyframe()
			}
		}
	}
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.producer.removeConsumer(c.id)
		c.transport.removeConsumer(c.id)
		err = c.sender.Stop()
	})
	return err
}
