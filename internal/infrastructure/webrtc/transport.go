package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Transport is one ICE-lite ICE+DTLS association. Send transports carry
// producers, recv transports carry consumers.
type Transport struct {
	id        domain.TransportID
	router    *Router
	direction domain.Direction
	logger    *zap.SugaredLogger

	media    *webrtc.MediaEngine
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParameters

	// ready is closed once DTLS is up; failed once starting it has failed.
	ready    chan struct{}
	failed   chan struct{}
	closedCh chan struct{}
	startErr error

	mu        sync.Mutex
	connected bool
	closed    bool
	nextMID   int
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

var _ ports.Transport = (*Transport)(nil)

func newTransport(ctx context.Context, r *Router, direction domain.Direction) (*Transport, error) {
	se, err := newSettingEngine(r.engine.cfg)
	if err != nil {
		return nil, err
	}

	media := &webrtc.MediaEngine{}
	if direction == domain.DirectionRecv {
		for _, c := range r.codecs {
			if err := media.RegisterCodec(pionRouterCodec(c), codecType(c.Kind)); err != nil {
				return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
			}
		}
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ICE gatherer: %w", err)
	}
	if err := gather(ctx, gatherer); err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, []webrtc.Certificate{r.engine.cert})
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create DTLS transport: %w", err)
	}

	t := &Transport{
		id:        domain.TransportID(uuid.NewString()),
		router:    r,
		direction: direction,
		logger:    r.logger,
		media:     media,
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		failed:    make(chan struct{}),
		closedCh:  make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	if err := t.loadParameters(); err != nil {
		_ = t.Close()
		return nil, err
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.Debugw("transport ICE state changed",
			"transport_id", t.id,
			"ice_state", state.String(),
		)
	})
	return t, nil
}

// gather runs host candidate gathering to completion.
func gather(ctx context.Context, gatherer *webrtc.ICEGatherer) error {
	done := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		return fmt.Errorf("gather ICE candidates: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) loadParameters() error {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ICE parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local ICE candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local DTLS parameters: %w", err)
	}

	t.params = domain.TransportParameters{
		ID:             t.id,
		ICEParameters:  domainICEParameters(iceParams, true),
		ICECandidates:  domainICECandidates(candidates),
		DTLSParameters: domainDTLSParameters(dtlsParams),
	}
	return nil
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Parameters() domain.TransportParameters { return t.params }

// Connect records the remote parameters and starts ICE and DTLS in the
// background. It returns before the handshake completes; Produce and media
// flow wait for it.
func (t *Transport) Connect(ctx context.Context, params domain.ConnectParameters) error {
	if len(params.DTLSParameters.Fingerprints) == 0 {
		return errMissingFingerprints
	}
	if params.ICEParameters == nil {
		return errRemoteICERequired
	}
	candidates, err := pionICECandidates(params.ICECandidates)
	if err != nil {
		return err
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return errTransportClosed
	case t.connected:
		t.mu.Unlock()
		return errAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: params.ICEParameters.UsernameFragment,
		Password:         params.ICEParameters.Password,
	}
	go t.start(remoteICE, candidates, pionDTLSParameters(params.DTLSParameters))
	return nil
}

func (t *Transport) start(remoteICE webrtc.ICEParameters, candidates []webrtc.ICECandidate, remoteDTLS webrtc.DTLSParameters) {
	err := func() error {
		if len(candidates) > 0 {
			if err := t.ice.SetRemoteCandidates(candidates); err != nil {
				return fmt.Errorf("set remote candidates: %w", err)
			}
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remoteICE, &role); err != nil {
			return fmt.Errorf("start ICE: %w", err)
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			return fmt.Errorf("start DTLS: %w", err)
		}
		return nil
	}()

	if err != nil {
		select {
		case <-t.closedCh:
			return
		default:
		}
		t.logger.Warnw("transport failed to connect",
			"transport_id", t.id,
			"error", err,
		)
		t.startErr = err
		close(t.failed)
		return
	}

	t.logger.Debugw("transport connected", "transport_id", t.id)
	close(t.ready)
}

func (t *Transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-t.failed:
		return t.startErr
	case <-t.closedCh:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	if t.direction != domain.DirectionSend {
		return nil, errWrongDirection
	}
	codec, routerCodec, err := selectProducerCodec(kind, params, t.router.codecs)
	if err != nil {
		return nil, err
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, errSSRCRequired
	}
	ssrc := params.Encodings[0].SSRC

	if err := t.media.RegisterCodec(pionProducerCodec(codec), codecType(kind)); err != nil {
		return nil, fmt.Errorf("register producer codec: %w", err)
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("start RTP receiver: %w", err)
	}

	p := newProducer(t, kind, routerCodec, ssrc, receiver)
	if !t.addProducer(p) || !t.router.addProducer(p) {
		_ = p.Close()
		return nil, errTransportClosed
	}
	p.start()

	t.logger.Debugw("producer created",
		"transport_id", t.id,
		"producer_id", p.id,
		"kind", kind,
		"mime_type", codec.MimeType,
		"ssrc", ssrc,
	)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	if t.direction != domain.DirectionRecv {
		return nil, errWrongDirection
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	if !capabilitiesAllow(caps, p.routerCodec) {
		return nil, domain.ErrCannotConsume
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(pionCapability(p.routerCodec), string(id), string(p.id))
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("start RTP sender: %w", err)
	}

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, errTransportClosed
	}
	mid := strconv.Itoa(t.nextMID)
	t.nextMID++
	t.mu.Unlock()

	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		track:     track,
		sender:    sender,
		logger:    t.logger,
		params:    consumerParameters(p, mid, ssrc, string(id)),
	}
	if p.kind == domain.KindVideo {
		c.waitKeyframe.Store(true)
	}

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	if !p.addConsumer(c) {
		_ = c.Close()
		return nil, domain.ErrProducerNotFound
	}
	c.start()
	p.RequestKeyframe()

	t.logger.Debugw("consumer created",
		"transport_id", t.id,
		"consumer_id", c.id,
		"producer_id", p.id,
		"ssrc", ssrc,
	)
	return c, nil
}

func consumerParameters(p *Producer, mid string, ssrc uint32, cname string) domain.RTPParameters {
	rc := p.routerCodec
	return domain.RTPParameters{
		MID: mid,
		Codecs: []domain.RTPCodecParameters{{
			MimeType:     rc.MimeType,
			PayloadType:  rc.PreferredPayloadType,
			ClockRate:    rc.ClockRate,
			Channels:     rc.Channels,
			Parameters:   rc.Parameters,
			RTCPFeedback: rc.RTCPFeedback,
		}},
		Encodings: []domain.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      domain.RTCPParameters{CNAME: cname, ReducedSize: true},
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedCh)
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.router.removeTransport(t.id)
	return errors.Join(errs...)
}

func (t *Transport) addProducer(p *Producer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.producers[p.id] = p
	return true
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}
