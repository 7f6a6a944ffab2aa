package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

// LocalDriver is the in-process engine driver. It terminates the
// signaling side of the negotiation (certificates, ICE credentials,
// codec matching, payload type remapping) and moves RTP between
// producers and consumers in process; the wire-level SRTP path stays
// behind the driver boundary.
type LocalDriver struct{}

func NewLocalDriver() *LocalDriver { return &LocalDriver{} }

func (d *LocalDriver) NewRouter(cfg config.Engine) (Router, error) {
	return newLocalRouter(cfg)
}

var _ Driver = (*LocalDriver)(nil)

const iceCandidateFoundation = "udpcandidate"

type localRouter struct {
	cfg  config.Engine
	caps RTPCapabilities

	mu       sync.Mutex
	nextPort uint16
}

func newLocalRouter(cfg config.Engine) (*localRouter, error) {
	if len(cfg.Codecs) == 0 {
		return nil, fmt.Errorf("router requires at least one codec")
	}

	caps := RTPCapabilities{}
	for _, c := range cfg.Codecs {
		caps.Codecs = append(caps.Codecs, RTPCodec{
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			PayloadType: c.PayloadType,
		})
	}

	return &localRouter{cfg: cfg, caps: caps, nextPort: cfg.RTCMinPort}, nil
}

func (r *localRouter) RtpCapabilities() RTPCapabilities {
	return r.caps
}

// allocRTCPort cycles through the configured engine port range. These are
// the media ports advertised in ICE candidates, not the recording ports.
func (r *localRouter) allocRTCPort() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	port := r.nextPort
	// Compare before incrementing: RTCMaxPort may be 65535 and the
	// increment would wrap to 0.
	if r.nextPort >= r.cfg.RTCMaxPort {
		r.nextPort = r.cfg.RTCMinPort
	} else {
		r.nextPort++
	}
	return port
}

func (r *localRouter) CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transport key: %w", err)
	}

	cert, err := webrtc.GenerateCertificate(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transport certificate: %w", err)
	}

	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to compute certificate fingerprints: %w", err)
	}

	port := r.allocRTCPort()
	t := &localWebRtcTransport{
		id:     uuid.NewString(),
		router: r,
		state:  TransportCreated,
		params: ConnectionParameters{
			IceParameters: webrtc.ICEParameters{
				UsernameFragment: randomToken(16),
				Password:         randomToken(32),
				ICELite:          true,
			},
			IceCandidates: []webrtc.ICECandidate{
				{
					Foundation: iceCandidateFoundation,
					Priority:   1076558079,
					Address:    r.cfg.AnnouncedIP,
					Protocol:   webrtc.ICEProtocolUDP,
					Port:       port,
					Typ:        webrtc.ICECandidateTypeHost,
					Component:  1,
				},
			},
			DtlsParameters: webrtc.DTLSParameters{
				Role:         webrtc.DTLSRoleAuto,
				Fingerprints: fingerprints,
			},
		},
	}
	t.params.Id = t.id

	return t, nil
}

func (r *localRouter) CreatePlainTransport(ctx context.Context, port int) (PlainTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind plain transport on port %d: %w", port, err)
	}

	return &localPlainTransport{
		id:     uuid.NewString(),
		router: r,
		conn:   conn,
		tuple:  TransportTuple{LocalIP: "127.0.0.1", LocalPort: port, Protocol: "udp"},
	}, nil
}

func (r *localRouter) CanConsume(producer Producer, caps RTPCapabilities) bool {
	if producer == nil || producer.Closed() {
		return false
	}

	params := producer.RtpParameters()
	if len(params.Codecs) == 0 {
		return false
	}

	for _, c := range caps.Codecs {
		if c.Matches(params.Codecs[0]) {
			return true
		}
	}
	return false
}

type localWebRtcTransport struct {
	id     string
	router *localRouter

	mu       sync.Mutex
	state    TransportState
	params   ConnectionParameters
	children []interface{ Close() }
}

var _ WebRtcTransport = (*localWebRtcTransport)(nil)

func (t *localWebRtcTransport) Id() string { return t.id }

func (t *localWebRtcTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *localWebRtcTransport) ConnectionParameters() ConnectionParameters {
	return t.params
}

func (t *localWebRtcTransport) Connect(ctx context.Context, dtls webrtc.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case TransportFailed, TransportClosed:
		return ErrTransportClosed
	case TransportConnected:
		return ErrAlreadyConnected
	}

	t.state = TransportConnecting

	// The client must present at least one certificate fingerprint for
	// the DTLS handshake. A handshake failure is terminal.
	if len(dtls.Fingerprints) == 0 {
		t.state = TransportFailed
		t.closeChildrenLocked()
		return fmt.Errorf("dtls handshake failed: %w", ErrInvalidParameters)
	}

	t.state = TransportConnected
	return nil
}

func (t *localWebRtcTransport) Produce(ctx context.Context, kind Kind, params RTPParameters) (Producer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown media kind %q: %w", kind, ErrInvalidParameters)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransportConnected {
		return nil, ErrTransportNotConnected
	}
	if len(params.Codecs) == 0 {
		return nil, fmt.Errorf("no codecs offered: %w", ErrInvalidParameters)
	}

	supported := false
	for _, rc := range t.router.caps.Codecs {
		if rc.Kind() == kind && rc.Matches(params.Codecs[0]) {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("unsupported %s codec %s: %w", kind, params.Codecs[0].MimeType, ErrInvalidParameters)
	}

	p := newLocalProducer(kind, params)
	t.children = append(t.children, p)
	return p, nil
}

func (t *localWebRtcTransport) Consume(ctx context.Context, producer Producer, caps RTPCapabilities) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TransportConnected {
		return nil, ErrTransportNotConnected
	}
	if !t.router.CanConsume(producer, caps) {
		return nil, ErrCannotConsume
	}

	lp, ok := producer.(*localProducer)
	if !ok {
		return nil, fmt.Errorf("foreign producer %s: %w", producer.Id(), ErrInvalidParameters)
	}

	params, err := consumerParameters(lp.RtpParameters(), caps)
	if err != nil {
		return nil, err
	}

	// Video consumers start paused so clients can set up rendering
	// before the first keyframe arrives.
	c := newLocalConsumer(lp, params, lp.Kind() == KindVideo)
	t.children = append(t.children, c)
	return c, nil
}

func (t *localWebRtcTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TransportClosed {
		return
	}
	t.state = TransportClosed
	t.closeChildrenLocked()
}

func (t *localWebRtcTransport) closeChildrenLocked() {
	for _, c := range t.children {
		c.Close()
	}
	t.children = nil
}

type localPlainTransport struct {
	id     string
	router *localRouter
	conn   *net.UDPConn
	tuple  TransportTuple

	mu        sync.Mutex
	remote    *net.UDPAddr
	consumers []*localConsumer
	closed    bool
}

var _ PlainTransport = (*localPlainTransport)(nil)

func (t *localPlainTransport) Id() string            { return t.id }
func (t *localPlainTransport) Tuple() TransportTuple { return t.tuple }

func (t *localPlainTransport) Connect(ctx context.Context, ip string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid address %q: %w", ip, ErrInvalidParameters)
	}

	t.remote = &net.UDPAddr{IP: addr, Port: port}
	return nil
}

func (t *localPlainTransport) Consume(ctx context.Context, producer Producer) (Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	lp, ok := producer.(*localProducer)
	if !ok || lp.Closed() {
		return nil, ErrNotFound
	}

	params, err := consumerParameters(lp.RtpParameters(), t.router.caps)
	if err != nil {
		return nil, err
	}

	// Recording taps start unpaused regardless of kind.
	c := newLocalConsumer(lp, params, false)
	c.onRTP = t.forward

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *localPlainTransport) forward(pkt *rtp.Packet) {
	t.mu.Lock()
	remote := t.remote
	closed := t.closed
	t.mu.Unlock()

	if closed || remote == nil {
		return
	}

	b, err := pkt.Marshal()
	if err != nil {
		log.WithField("transport", t.id).Debugf("failed to marshal rtp packet: %v", err)
		return
	}
	if _, err := t.conn.WriteToUDP(b, remote); err != nil {
		log.WithField("transport", t.id).Debugf("failed to forward rtp packet: %v", err)
	}
}

func (t *localPlainTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	_ = t.conn.Close()
}

type localProducer struct {
	id     string
	kind   Kind
	params RTPParameters

	mu          sync.Mutex
	closed      bool
	closeFns    []func()
	keyframeFns []func(pli *rtcp.PictureLossIndication)
	taps        map[string]func(*rtp.Packet)
}

var _ Producer = (*localProducer)(nil)

func newLocalProducer(kind Kind, params RTPParameters) *localProducer {
	return &localProducer{
		id:     uuid.NewString(),
		kind:   kind,
		params: params,
		taps:   make(map[string]func(*rtp.Packet)),
	}
}

func (p *localProducer) Id() string                   { return p.id }
func (p *localProducer) Kind() Kind                   { return p.kind }
func (p *localProducer) RtpParameters() RTPParameters { return p.params }

func (p *localProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *localProducer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.closeFns = append(p.closeFns, fn)
	p.mu.Unlock()
}

func (p *localProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fns := p.closeFns
	p.closeFns = nil
	p.taps = map[string]func(*rtp.Packet){}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// WriteRTP fans a packet out to every attached consumer. The driver's
// receive path calls this; tests use it to simulate inbound media.
func (p *localProducer) WriteRTP(pkt *rtp.Packet) {
	p.mu.Lock()
	taps := make([]func(*rtp.Packet), 0, len(p.taps))
	for _, tap := range p.taps {
		taps = append(taps, tap)
	}
	p.mu.Unlock()

	for _, tap := range taps {
		tap(pkt)
	}
}

// OnKeyframeRequest registers a hook invoked when a consumer asks the
// producer for a keyframe (PLI).
func (p *localProducer) OnKeyframeRequest(fn func(pli *rtcp.PictureLossIndication)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyframeFns = append(p.keyframeFns, fn)
}

func (p *localProducer) requestKeyframe() {
	var ssrc uint32
	if len(p.params.Encodings) > 0 {
		ssrc = p.params.Encodings[0].SSRC
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}

	p.mu.Lock()
	fns := append([]func(*rtcp.PictureLossIndication){}, p.keyframeFns...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(pli)
	}
}

func (p *localProducer) attach(id string, tap func(*rtp.Packet)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.taps[id] = tap
	}
}

func (p *localProducer) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.taps, id)
}

type localConsumer struct {
	id       string
	producer *localProducer
	params   RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
	onRTP  func(*rtp.Packet)
}

var _ Consumer = (*localConsumer)(nil)

func newLocalConsumer(p *localProducer, params RTPParameters, paused bool) *localConsumer {
	c := &localConsumer{
		id:       uuid.NewString(),
		producer: p,
		params:   params,
		paused:   paused,
	}
	p.attach(c.id, c.deliver)
	return c
}

func (c *localConsumer) Id() string                   { return c.id }
func (c *localConsumer) Kind() Kind                   { return c.producer.kind }
func (c *localConsumer) ProducerId() string           { return c.producer.id }
func (c *localConsumer) RtpParameters() RTPParameters { return c.params }

func (c *localConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume is idempotent. Resuming a video consumer requests a keyframe
// from the producer so the client has something decodable right away.
func (c *localConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()

	if wasPaused && c.producer.kind == KindVideo {
		c.producer.requestKeyframe()
	}
	return nil
}

func (c *localConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.producer.detach(c.id)
}

func (c *localConsumer) deliver(pkt *rtp.Packet) {
	c.mu.Lock()
	paused, closed, onRTP := c.paused, c.closed, c.onRTP
	c.mu.Unlock()

	if paused || closed || onRTP == nil {
		return
	}
	onRTP(pkt)
}

// consumerParameters derives a consumer's parameters from the producer's:
// same codec, but with the payload type the consuming side prefers. The
// two payload types routinely differ and downstream descriptors must use
// the consumer's.
func consumerParameters(producer RTPParameters, caps RTPCapabilities) (RTPParameters, error) {
	if len(producer.Codecs) == 0 {
		return RTPParameters{}, fmt.Errorf("producer has no codecs: %w", ErrInvalidParameters)
	}

	pc := producer.Codecs[0]
	for _, c := range caps.Codecs {
		if c.Matches(pc) {
			out := pc
			if c.PayloadType != 0 {
				out.PayloadType = c.PayloadType
			}
			if out.Channels == 0 && c.Channels != 0 {
				out.Channels = c.Channels
			}
			return RTPParameters{Codecs: []RTPCodec{out}, Encodings: producer.Encodings}, nil
		}
	}

	return RTPParameters{}, ErrCannotConsume
}

const tokenRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenRunes))))
		if err != nil {
			// crypto/rand failures are unrecoverable
			panic(err)
		}
		b[i] = tokenRunes[idx.Int64()]
	}
	return string(b)
}
