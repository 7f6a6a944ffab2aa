package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ReesavGupta/peer-link/internal/appstats"
	"github.com/ReesavGupta/peer-link/internal/engine"
	"github.com/ReesavGupta/peer-link/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
)

// Session is one websocket connection and the negotiation state it owns:
// at most one producer-side transport, one consumer-side transport, one
// producer and one consumer. Messages are dispatched sequentially per
// session, so the protocol's ordering requirements hold within a
// connection while engine calls never block other sessions.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	router engine.Router

	sendMu     sync.RWMutex
	sendCh     chan []byte
	sendClosed bool

	closeOnce sync.Once

	mu                sync.Mutex
	producerTransport engine.WebRtcTransport
	consumerTransport engine.WebRtcTransport
	producer          engine.Producer
	consumer          engine.Consumer
}

func newSession(s *Server, conn *websocket.Conn) *Session {
	return &Session{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		router: s.engine.Router(),
		sendCh: make(chan []byte, sendQueueSize),
	}
}

func (s *Session) readPump() {
	defer s.teardown()

	ctx := context.Background()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.WithField("session", s.id).Debugf("connection closed: %v", err)
			return
		}
		s.dispatch(ctx, data)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()

	for data := range s.sendCh {
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.WithField("session", s.id).Debugf("write failed: %v", err)
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed frames are logged and dropped; the connection stays
		// open.
		appstats.InvalidRequests.Inc()
		log.WithField("session", s.id).Warnf("dropping malformed message: %v", err)
		return
	}

	if u, ok := msg.(protocol.Unknown); ok {
		appstats.InvalidRequests.Inc()
		log.WithField("session", s.id).Warnf("ignoring unknown message type %q", u.Type)
		return
	}

	var method string
	var resp protocol.Response
	start := time.Now()

	switch m := msg.(type) {
	case protocol.GetRouterRtpCapabilities:
		method = protocol.TypeGetRouterRtpCapabilities
		resp, err = s.handleGetRouterRtpCapabilities()
	case protocol.CreateProducerTransport:
		method = protocol.TypeCreateProducerTransport
		resp, err = s.handleCreateProducerTransport(ctx)
	case protocol.ConnectProducerTransport:
		method = protocol.TypeConnectProducerTransport
		resp, err = s.handleConnectProducerTransport(ctx, m)
	case protocol.Produce:
		method = protocol.TypeProduce
		resp, err = s.handleProduce(ctx, m)
	case protocol.CreateConsumerTransport:
		method = protocol.TypeCreateConsumerTransport
		resp, err = s.handleCreateConsumerTransport(ctx)
	case protocol.ConnectConsumerTransport:
		method = protocol.TypeConnectConsumerTransport
		resp, err = s.handleConnectConsumerTransport(ctx, m)
	case protocol.Consume:
		method = protocol.TypeConsume
		resp, err = s.handleConsume(ctx, m)
	case protocol.Resume:
		method = protocol.TypeResume
		resp, err = s.handleResume(ctx)
	default:
		appstats.InvalidRequests.Inc()
		log.WithField("session", s.id).Warnf("unhandled message type %T", msg)
		return
	}

	appstats.Requests.WithLabelValues(method).Inc()
	appstats.ObserveRequestDuration(method, time.Since(start))

	if err != nil {
		appstats.Errors.WithLabelValues(method).Inc()
		log.WithField("session", s.id).Warnf("%s failed: %v", method, err)
		s.sendResponse(protocol.Error(err.Error()))
		return
	}
	s.sendResponse(resp)
}

func (s *Session) handleGetRouterRtpCapabilities() (protocol.Response, error) {
	return protocol.RouterCapabilities(s.router.RtpCapabilities()), nil
}

func (s *Session) handleCreateProducerTransport(ctx context.Context) (protocol.Response, error) {
	t, err := s.router.CreateWebRtcTransport(ctx)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to create producer transport: %w", err)
	}

	s.mu.Lock()
	if s.producerTransport != nil {
		// Restarted negotiation replaces the previous transport.
		log.WithField("session", s.id).Debug("replacing existing producer transport")
		s.producerTransport.Close()
	}
	s.producerTransport = t
	s.mu.Unlock()

	return protocol.ProducerTransportCreated(t.ConnectionParameters()), nil
}

func (s *Session) handleConnectProducerTransport(ctx context.Context, m protocol.ConnectProducerTransport) (protocol.Response, error) {
	s.mu.Lock()
	t := s.producerTransport
	s.mu.Unlock()

	if t == nil {
		return protocol.Response{}, fmt.Errorf("producer transport %w", engine.ErrNotFound)
	}
	if err := t.Connect(ctx, m.DtlsParameters); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to connect producer transport: %w", err)
	}

	return protocol.ProducerTransportConnected(), nil
}

func (s *Session) handleProduce(ctx context.Context, m protocol.Produce) (protocol.Response, error) {
	s.mu.Lock()
	t := s.producerTransport
	s.mu.Unlock()

	if t == nil {
		return protocol.Response{}, fmt.Errorf("producer transport %w", engine.ErrNotFound)
	}
	if m.TransportId != "" && m.TransportId != t.Id() {
		return protocol.Response{}, fmt.Errorf("transport %s %w", m.TransportId, engine.ErrNotFound)
	}

	kind := engine.Kind(m.Kind)
	p, err := t.Produce(ctx, kind, m.RtpParameters)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to produce: %w", err)
	}

	s.mu.Lock()
	s.producer = p
	s.mu.Unlock()
	s.server.producers.Register(p)

	log.WithField("session", s.id).Infof("new %s producer %s", kind, p.Id())
	s.server.Broadcast(s, protocol.NewProducer(p.Id()))

	// Recording is best-effort and side-channel: it must never fail or
	// delay the produce response.
	if kind == engine.KindAudio && s.server.cfg.Recording.Enable {
		router := s.router
		go func() {
			if _, err := s.server.recordings.Start(context.Background(), router, p); err != nil {
				log.WithField("session", s.id).Errorf("failed to start recording for producer %s: %v", p.Id(), err)
			}
		}()
	}

	return protocol.Produced(p.Id()), nil
}

func (s *Session) handleCreateConsumerTransport(ctx context.Context) (protocol.Response, error) {
	t, err := s.router.CreateWebRtcTransport(ctx)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to create consumer transport: %w", err)
	}

	s.mu.Lock()
	if s.consumerTransport != nil {
		log.WithField("session", s.id).Debug("replacing existing consumer transport")
		s.consumerTransport.Close()
	}
	s.consumerTransport = t
	s.mu.Unlock()

	return protocol.SubTransportCreated(t.ConnectionParameters()), nil
}

func (s *Session) handleConnectConsumerTransport(ctx context.Context, m protocol.ConnectConsumerTransport) (protocol.Response, error) {
	s.mu.Lock()
	t := s.consumerTransport
	s.mu.Unlock()

	if t == nil {
		return protocol.Response{}, fmt.Errorf("consumer transport %w", engine.ErrNotFound)
	}
	if m.TransportId != "" && m.TransportId != t.Id() {
		return protocol.Response{}, fmt.Errorf("transport %s %w", m.TransportId, engine.ErrNotFound)
	}
	if err := t.Connect(ctx, m.DtlsParameters); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to connect consumer transport: %w", err)
	}

	return protocol.SubConnected(), nil
}

func (s *Session) handleConsume(ctx context.Context, m protocol.Consume) (protocol.Response, error) {
	s.mu.Lock()
	t := s.consumerTransport
	s.mu.Unlock()

	if t == nil {
		return protocol.Response{}, fmt.Errorf("consumer transport %w", engine.ErrNotFound)
	}

	var target engine.Producer
	if m.ProducerId != "" {
		target = s.server.producers.Get(m.ProducerId)
	} else {
		target = s.server.producers.Latest()
	}
	if target == nil || target.Closed() {
		return protocol.Response{}, fmt.Errorf("producer %w", engine.ErrNotFound)
	}

	if !s.router.CanConsume(target, m.RtpCapabilities) {
		return protocol.Response{}, fmt.Errorf("cannot consume producer %s: %w", target.Id(), engine.ErrCannotConsume)
	}

	c, err := t.Consume(ctx, target, m.RtpCapabilities)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to consume producer %s: %w", target.Id(), err)
	}

	s.mu.Lock()
	if s.consumer != nil {
		s.consumer.Close()
	}
	s.consumer = c
	s.mu.Unlock()

	return protocol.Subscribed(protocol.SubscribedData{
		ProducerId:     c.ProducerId(),
		Id:             c.Id(),
		Kind:           string(c.Kind()),
		RtpParameters:  c.RtpParameters(),
		Type:           "simple",
		Paused:         c.Paused(),
		ProducerPaused: false,
	}), nil
}

func (s *Session) handleResume(ctx context.Context) (protocol.Response, error) {
	s.mu.Lock()
	c := s.consumer
	s.mu.Unlock()

	if c == nil {
		return protocol.Response{}, fmt.Errorf("consumer %w", engine.ErrNotFound)
	}
	if err := c.Resume(ctx); err != nil {
		return protocol.Response{}, fmt.Errorf("failed to resume consumer %s: %w", c.Id(), err)
	}

	return protocol.Resumed(), nil
}

func (s *Session) sendResponse(resp protocol.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		log.WithField("session", s.id).Errorf("failed to marshal %s response: %v", resp.Type, err)
		return
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return
	}
	select {
	case s.sendCh <- b:
	default:
		log.WithField("session", s.id).Warnf("send queue full, dropping %s", resp.Type)
	}
}

// teardown releases everything the session owns. Closing the producer
// also stops any recording tied to it; recording lifetime follows the
// producer, not the connection.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		consumer := s.consumer
		producer := s.producer
		producerTransport := s.producerTransport
		consumerTransport := s.consumerTransport
		s.consumer = nil
		s.producer = nil
		s.producerTransport = nil
		s.consumerTransport = nil
		s.mu.Unlock()

		if consumer != nil {
			consumer.Close()
		}
		if producer != nil {
			producer.Close()
		}
		if producerTransport != nil {
			producerTransport.Close()
		}
		if consumerTransport != nil {
			consumerTransport.Close()
		}

		s.sendMu.Lock()
		s.sendClosed = true
		close(s.sendCh)
		s.sendMu.Unlock()

		s.server.closeSession(s.id)
		log.WithField("session", s.id).Info("session closed")
	})
}
