package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func testEngineConfig() config.Engine {
	return config.Engine{
		Workers:     1,
		RTCMinPort:  10000,
		RTCMaxPort:  10002,
		AnnouncedIP: "127.0.0.1",
		Codecs: []config.Codec{
			{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
			{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
		},
	}
}

func audioParams() RTPParameters {
	return RTPParameters{
		Codecs:    []RTPCodec{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111}},
		Encodings: []RTPEncoding{{SSRC: 1111}},
	}
}

func videoParams() RTPParameters {
	return RTPParameters{
		Codecs:    []RTPCodec{{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96}},
		Encodings: []RTPEncoding{{SSRC: 2222}},
	}
}

func newTestRouter(t *testing.T) *localRouter {
	t.Helper()
	r, err := newLocalRouter(testEngineConfig())
	assert.NoError(t, err)
	return r
}

func connectedTransport(t *testing.T, r *localRouter) WebRtcTransport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background())
	assert.NoError(t, err)
	err = tr.Connect(context.Background(), webrtc.DTLSParameters{
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}},
	})
	assert.NoError(t, err)
	return tr
}

func TestRouterRequiresCodecs(t *testing.T) {
	_, err := newLocalRouter(config.Engine{})
	assert.Error(t, err)
}

func TestConnectionParametersArePopulated(t *testing.T) {
	r := newTestRouter(t)
	tr, err := r.CreateWebRtcTransport(context.Background())
	assert.NoError(t, err)
	defer tr.Close()

	params := tr.ConnectionParameters()
	assert.Equal(t, tr.Id(), params.Id)
	assert.Len(t, params.IceParameters.UsernameFragment, 16)
	assert.Len(t, params.IceParameters.Password, 32)
	assert.True(t, params.IceParameters.ICELite)
	assert.NotEmpty(t, params.DtlsParameters.Fingerprints)

	if assert.Len(t, params.IceCandidates, 1) {
		c := params.IceCandidates[0]
		assert.Equal(t, "127.0.0.1", c.Address)
		assert.Equal(t, webrtc.ICEProtocolUDP, c.Protocol)
		assert.Equal(t, webrtc.ICECandidateTypeHost, c.Typ)
	}
}

func TestTransportsGetDistinctCredentials(t *testing.T) {
	r := newTestRouter(t)
	a, err := r.CreateWebRtcTransport(context.Background())
	assert.NoError(t, err)
	defer a.Close()
	b, err := r.CreateWebRtcTransport(context.Background())
	assert.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.Id(), b.Id())
	assert.NotEqual(t,
		a.ConnectionParameters().IceParameters.Password,
		b.ConnectionParameters().IceParameters.Password)
}

func TestMediaPortsCycle(t *testing.T) {
	r := newTestRouter(t)

	var ports []uint16
	for i := 0; i < 4; i++ {
		tr, err := r.CreateWebRtcTransport(context.Background())
		assert.NoError(t, err)
		ports = append(ports, tr.ConnectionParameters().IceCandidates[0].Port)
		tr.Close()
	}

	// Range is 10000-10002; the fourth transport wraps around.
	assert.Equal(t, []uint16{10000, 10001, 10002, 10000}, ports)
}

func TestMediaPortsWrapAtTopOfRange(t *testing.T) {
	cfg := testEngineConfig()
	cfg.RTCMinPort = 65534
	cfg.RTCMaxPort = 65535
	r, err := newLocalRouter(cfg)
	assert.NoError(t, err)

	var ports []uint16
	for i := 0; i < 3; i++ {
		tr, err := r.CreateWebRtcTransport(context.Background())
		assert.NoError(t, err)
		ports = append(ports, tr.ConnectionParameters().IceCandidates[0].Port)
		tr.Close()
	}

	// The increment past 65535 must not wrap to port 0.
	assert.Equal(t, []uint16{65534, 65535, 65534}, ports)
}

func TestProduceBeforeConnect(t *testing.T) {
	r := newTestRouter(t)
	tr, err := r.CreateWebRtcTransport(context.Background())
	assert.NoError(t, err)
	defer tr.Close()

	_, err = tr.Produce(context.Background(), KindAudio, audioParams())
	assert.ErrorIs(t, err, ErrTransportNotConnected)
}

func TestConnectWithoutFingerprintsFails(t *testing.T) {
	r := newTestRouter(t)
	tr, err := r.CreateWebRtcTransport(context.Background())
	assert.NoError(t, err)

	err = tr.Connect(context.Background(), webrtc.DTLSParameters{})
	assert.Error(t, err)
	assert.Equal(t, TransportFailed, tr.State())
	assert.True(t, tr.State().Terminal())

	// Failed is terminal; no second chance.
	err = tr.Connect(context.Background(), webrtc.DTLSParameters{
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}},
	})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestConnectTwice(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	err := tr.Connect(context.Background(), webrtc.DTLSParameters{
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}},
	})
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestProduceRejectsUnsupportedCodec(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	_, err := tr.Produce(context.Background(), KindAudio, RTPParameters{
		Codecs: []RTPCodec{{MimeType: "audio/PCMU", ClockRate: 8000, PayloadType: 0}},
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = tr.Produce(context.Background(), "screen", audioParams())
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestCanConsume(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	producer, err := tr.Produce(context.Background(), KindAudio, audioParams())
	assert.NoError(t, err)

	assert.True(t, r.CanConsume(producer, r.RtpCapabilities()))
	assert.False(t, r.CanConsume(producer, RTPCapabilities{
		Codecs: []RTPCodec{{MimeType: "audio/PCMU", ClockRate: 8000}},
	}))
	assert.False(t, r.CanConsume(nil, r.RtpCapabilities()))

	producer.Close()
	assert.False(t, r.CanConsume(producer, r.RtpCapabilities()))
}

func TestConsumerPayloadTypeRemap(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	producer, err := tr.Produce(context.Background(), KindAudio, RTPParameters{
		Codecs: []RTPCodec{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 103}},
	})
	assert.NoError(t, err)

	consumer, err := tr.Consume(context.Background(), producer, RTPCapabilities{
		Codecs: []RTPCodec{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111}},
	})
	assert.NoError(t, err)

	// The consumer speaks its own payload type, not the producer's.
	assert.Equal(t, uint8(111), consumer.RtpParameters().Codecs[0].PayloadType)
	assert.Equal(t, producer.Id(), consumer.ProducerId())
}

func TestConsumeIncompatibleCapabilities(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	producer, err := tr.Produce(context.Background(), KindAudio, audioParams())
	assert.NoError(t, err)

	_, err = tr.Consume(context.Background(), producer, RTPCapabilities{
		Codecs: []RTPCodec{{MimeType: "video/H264", ClockRate: 90000}},
	})
	assert.ErrorIs(t, err, ErrCannotConsume)
}

func TestVideoConsumerBornPaused(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	video, err := tr.Produce(context.Background(), KindVideo, videoParams())
	assert.NoError(t, err)
	audio, err := tr.Produce(context.Background(), KindAudio, audioParams())
	assert.NoError(t, err)

	vc, err := tr.Consume(context.Background(), video, r.RtpCapabilities())
	assert.NoError(t, err)
	assert.True(t, vc.Paused())

	ac, err := tr.Consume(context.Background(), audio, r.RtpCapabilities())
	assert.NoError(t, err)
	assert.False(t, ac.Paused())
}

func TestResumeRequestsKeyframe(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	producer, err := tr.Produce(context.Background(), KindVideo, videoParams())
	assert.NoError(t, err)

	plis := make(chan *rtcp.PictureLossIndication, 2)
	producer.(*localProducer).OnKeyframeRequest(func(pli *rtcp.PictureLossIndication) {
		plis <- pli
	})

	consumer, err := tr.Consume(context.Background(), producer, r.RtpCapabilities())
	assert.NoError(t, err)

	assert.NoError(t, consumer.Resume(context.Background()))
	select {
	case pli := <-plis:
		assert.Equal(t, uint32(2222), pli.MediaSSRC)
	default:
		t.Fatal("expected a keyframe request on first resume")
	}

	// Idempotent: a second resume does not re-request.
	assert.NoError(t, consumer.Resume(context.Background()))
	select {
	case <-plis:
		t.Fatal("unexpected keyframe request on repeated resume")
	default:
	}
	assert.False(t, consumer.Paused())
}

func TestPausedConsumerReceivesNothing(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)
	defer tr.Close()

	producer, err := tr.Produce(context.Background(), KindVideo, videoParams())
	assert.NoError(t, err)

	consumer, err := tr.Consume(context.Background(), producer, r.RtpCapabilities())
	assert.NoError(t, err)

	var got []*rtp.Packet
	consumer.(*localConsumer).onRTP = func(pkt *rtp.Packet) { got = append(got, pkt) }

	lp := producer.(*localProducer)
	lp.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	assert.Empty(t, got)

	assert.NoError(t, consumer.Resume(context.Background()))
	lp.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}})
	if assert.Len(t, got, 1) {
		assert.Equal(t, uint16(2), got[0].Header.SequenceNumber)
	}
}

func TestTransportCloseClosesChildren(t *testing.T) {
	r := newTestRouter(t)
	tr := connectedTransport(t, r)

	producer, err := tr.Produce(context.Background(), KindAudio, audioParams())
	assert.NoError(t, err)

	closed := false
	producer.OnClose(func() { closed = true })

	tr.Close()
	assert.Equal(t, TransportClosed, tr.State())
	assert.True(t, producer.Closed())
	assert.True(t, closed)
}

func TestPlainTransportForwardsRTP(t *testing.T) {
	r := newTestRouter(t)
	wt := connectedTransport(t, r)
	defer wt.Close()

	producer, err := wt.Produce(context.Background(), KindAudio, audioParams())
	assert.NoError(t, err)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NoError(t, err)
	defer sink.Close()

	pt, err := r.CreatePlainTransport(context.Background(), 0)
	assert.NoError(t, err)
	defer pt.Close()

	consumer, err := pt.Consume(context.Background(), producer)
	assert.NoError(t, err)
	assert.False(t, consumer.Paused())

	sinkPort := sink.LocalAddr().(*net.UDPAddr).Port
	assert.NoError(t, pt.Connect(context.Background(), "127.0.0.1", sinkPort))

	sent := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 7, SSRC: 1111},
		Payload: []byte{0xde, 0xad},
	}
	producer.(*localProducer).WriteRTP(sent)

	buf := make([]byte, 1500)
	assert.NoError(t, sink.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := sink.Read(buf)
	assert.NoError(t, err)

	var got rtp.Packet
	assert.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, uint16(7), got.SequenceNumber)
	assert.Equal(t, []byte{0xde, 0xad}, got.Payload)
}

func TestPlainTransportConnectValidation(t *testing.T) {
	r := newTestRouter(t)

	pt, err := r.CreatePlainTransport(context.Background(), 0)
	assert.NoError(t, err)
	defer pt.Close()

	assert.ErrorIs(t, pt.Connect(context.Background(), "not-an-ip", 1234), ErrInvalidParameters)

	pt.Close()
	assert.ErrorIs(t, pt.Connect(context.Background(), "127.0.0.1", 1234), ErrTransportClosed)
	_, err = pt.Consume(context.Background(), newLocalProducer(KindAudio, audioParams()))
	assert.ErrorIs(t, err, ErrTransportClosed)
}
