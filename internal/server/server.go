// Package server is the signaling gateway: it accepts websocket
// connections, dispatches the tagged message protocol to per-connection
// sessions and fans producer announcements out to everyone else.
package server

import (
	"net/http"
	"sync"

	"github.com/ReesavGupta/peer-link/internal/appstats"
	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/ReesavGupta/peer-link/internal/engine"
	"github.com/ReesavGupta/peer-link/internal/events"
	"github.com/ReesavGupta/peer-link/internal/protocol"
	"github.com/ReesavGupta/peer-link/internal/recording"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	engine     *engine.Engine
	recordings *recording.Registry
	publisher  events.Publisher

	upgrader   websocket.Upgrader
	sessions   sync.Map
	producers  producerRegistry
	httpServer *http.Server
}

func NewServer(cfg *config.Config, eng *engine.Engine, recordings *recording.Registry, publisher events.Publisher) *Server {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Server{
		cfg:        cfg,
		engine:     eng,
		recordings: recordings,
		publisher:  publisher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		producers: producerRegistry{byId: make(map[string]engine.Producer)},
	}
}

// Listen blocks serving the signaling endpoint.
func (s *Server) Listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Websocket.Path, s.handleWebsocket)

	s.httpServer = &http.Server{Addr: s.cfg.Websocket.ListenAddress, Handler: mux}
	log.Infof("signaling gateway listening on %s%s", s.cfg.Websocket.ListenAddress, s.cfg.Websocket.Path)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Close() error {
	s.recordings.StopAll()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %s", err)
		return
	}

	sess := newSession(s, conn)
	s.sessions.Store(sess.id, sess)
	appstats.Sessions.Inc()
	log.WithField("session", sess.id).Info("new signaling connection")

	go sess.writePump()
	sess.readPump()
}

// Broadcast sends a response to every connected session except the
// originating one.
func (s *Server) Broadcast(from *Session, resp protocol.Response) {
	s.sessions.Range(func(_, value interface{}) bool {
		sess := value.(*Session)
		if from == nil || sess.id != from.id {
			sess.sendResponse(resp)
		}
		return true
	})
}

func (s *Server) closeSession(id string) {
	if _, ok := s.sessions.LoadAndDelete(id); ok {
		appstats.Sessions.Dec()
	}
}

// producerRegistry is the server-wide index of live producers, newest
// last. Sessions consult it to answer consume requests and the gateway
// uses it for newProducer announcements.
type producerRegistry struct {
	mu    sync.Mutex
	order []string
	byId  map[string]engine.Producer
}

func (r *producerRegistry) Register(p engine.Producer) {
	r.mu.Lock()
	r.byId[p.Id()] = p
	r.order = append(r.order, p.Id())
	r.mu.Unlock()

	// Producers close through several paths (session teardown, transport
	// replacement, transport close); the registry entry follows the
	// producer itself so none of them can leave a stale entry behind.
	p.OnClose(func() { r.Unregister(p.Id()) })
}

func (r *producerRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byId, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *producerRegistry) Get(id string) engine.Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byId[id]
}

// Latest returns the most recently announced producer still alive.
func (r *producerRegistry) Latest() engine.Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if p := r.byId[r.order[i]]; p != nil && !p.Closed() {
			return p
		}
	}
	return nil
}
