// Package recording taps a live audio producer into a server-side file.
// The pipeline is best-effort and side-channel: a recording failure never
// affects the live media path that triggered it.
package recording

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ReesavGupta/peer-link/internal/appstats"
	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/ReesavGupta/peer-link/internal/engine"
	"github.com/ReesavGupta/peer-link/internal/events"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	reserveAttempts = 5
	reserveBackoff  = 200 * time.Millisecond
)

// Recording is one producer-to-file session: a plain transport tapping
// the producer, the transcoder subprocess consuming its RTP, and the
// resources both hold.
type Recording struct {
	Id         string
	ProducerId string
	OutputPath string

	registry   *Registry
	transport  engine.PlainTransport
	consumer   engine.Consumer
	supervisor *Supervisor
	sdpPath    string
	rtpPort    int
	plainPort  int

	mu     sync.Mutex
	failed bool
	done   chan struct{}
}

// Stop asks the transcoder to finish; cleanup runs when it exits.
func (r *Recording) Stop() {
	if r.supervisor != nil {
		r.supervisor.Stop()
	}
}

// Done is closed once the subprocess has exited and cleanup finished.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Failed reports whether the recording produced no usable output.
func (r *Recording) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Registry owns all active recordings, at most one per producer id.
type Registry struct {
	cfg       config.Recording
	ports     *PortAllocator
	publisher events.Publisher

	mu     sync.Mutex
	active map[string]*Recording
}

func NewRegistry(cfg config.Recording, publisher events.Publisher) *Registry {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Registry{
		cfg:       cfg,
		ports:     NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd, cfg.PortReleaseDelay),
		publisher: publisher,
		active:    make(map[string]*Recording),
	}
}

func (g *Registry) Ports() *PortAllocator { return g.ports }

func (g *Registry) Get(producerId string) *Recording {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[producerId]
}

// Start sets up a recording for the producer. Re-entrant: a second call
// for a producer already being recorded returns the existing session
// unchanged. The check-and-create is atomic with respect to concurrent
// duplicate triggers.
func (g *Registry) Start(ctx context.Context, router engine.Router, producer engine.Producer) (*Recording, error) {
	if producer == nil || producer.Closed() {
		return nil, fmt.Errorf("no producer available for recording")
	}

	sessionId := fmt.Sprintf("%s_%d_%s", producer.Id(), time.Now().Unix(), uuid.NewString()[:8])
	rec := &Recording{
		Id:         sessionId,
		ProducerId: producer.Id(),
		registry:   g,
		done:       make(chan struct{}),
	}

	g.mu.Lock()
	if existing, ok := g.active[producer.Id()]; ok {
		g.mu.Unlock()
		log.Debugf("producer %s is already being recorded", producer.Id())
		return existing, nil
	}
	g.active[producer.Id()] = rec
	g.mu.Unlock()

	if err := g.setup(ctx, router, producer, rec); err != nil {
		g.abort(rec)
		return nil, err
	}

	producer.OnClose(rec.Stop)
	appstats.ActiveRecordings.Inc()
	g.publisher.Publish(events.NewRecordingStarted(rec.ProducerId, rec.OutputPath))
	log.WithField("producer", rec.ProducerId).Infof("recording started: %s", rec.OutputPath)

	return rec, nil
}

func (g *Registry) setup(ctx context.Context, router engine.Router, producer engine.Producer, rec *Recording) error {
	var err error
	if rec.rtpPort, err = g.reservePort(); err != nil {
		return err
	}
	if rec.plainPort, err = g.reservePort(); err != nil {
		return err
	}

	if rec.transport, err = router.CreatePlainTransport(ctx, rec.plainPort); err != nil {
		return fmt.Errorf("failed to create plain transport: %w", err)
	}
	if rec.consumer, err = rec.transport.Consume(ctx, producer); err != nil {
		return fmt.Errorf("failed to consume producer %s: %w", producer.Id(), err)
	}
	if err = rec.transport.Connect(ctx, "127.0.0.1", rec.rtpPort); err != nil {
		return fmt.Errorf("failed to connect plain transport: %w", err)
	}

	// The consumer's payload type, not the producer's: they may differ
	// and the descriptor must match what is actually on the wire.
	info, err := CodecInfoFromRtpParameters(engine.KindAudio, rec.consumer.RtpParameters())
	if err != nil {
		return err
	}

	sdpBody, err := SessionDescription(info, rec.transport.Tuple().LocalIP, rec.rtpPort)
	if err != nil {
		return fmt.Errorf("failed to build session description: %w", err)
	}

	fileMode, err := parseFileMode(g.cfg.FileMode)
	if err != nil {
		return err
	}

	rec.OutputPath = filepath.Join(path.Clean(g.cfg.Directory), fmt.Sprintf("recording_%s.mp3", rec.Id))
	rec.sdpPath = filepath.Join(g.cfg.ScratchDirectory, fmt.Sprintf("recording_%s.sdp", rec.Id))

	if err = os.WriteFile(rec.sdpPath, sdpBody, fileMode); err != nil {
		return fmt.Errorf("failed to write session description: %w", err)
	}

	rec.supervisor = NewSupervisor(g.cfg, rec.rtpPort)
	if err = rec.supervisor.Start(rec.sdpPath, rec.OutputPath, func(exitErr error) {
		g.cleanup(rec, exitErr)
	}); err != nil {
		return fmt.Errorf("failed to spawn transcoder: %w", err)
	}

	return nil
}

func (g *Registry) reservePort() (int, error) {
	var err error
	for attempt := 1; attempt <= reserveAttempts; attempt++ {
		var port int
		if port, err = g.ports.Reserve(); err == nil {
			return port, nil
		}
		log.Warnf("port reservation attempt %d failed: %v", attempt, err)
		if attempt < reserveAttempts {
			time.Sleep(reserveBackoff)
		}
	}
	return 0, err
}

// abort releases whatever a failed setup already acquired.
func (g *Registry) abort(rec *Recording) {
	g.mu.Lock()
	delete(g.active, rec.ProducerId)
	g.mu.Unlock()

	if rec.transport != nil {
		rec.transport.Close()
	}
	if rec.rtpPort != 0 {
		g.ports.Release(rec.rtpPort)
	}
	if rec.plainPort != 0 {
		g.ports.Release(rec.plainPort)
	}
	if rec.sdpPath != "" {
		_ = os.Remove(rec.sdpPath)
	}
	close(rec.done)
}

// cleanup runs once per recording, when its subprocess exits.
func (g *Registry) cleanup(rec *Recording, exitErr error) {
	g.mu.Lock()
	delete(g.active, rec.ProducerId)
	g.mu.Unlock()

	rec.transport.Close()
	g.ports.Release(rec.rtpPort)
	g.ports.Release(rec.plainPort)

	if err := os.Remove(rec.sdpPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove session description file %s: %v", rec.sdpPath, err)
	}

	failed := false
	if stat, err := os.Stat(rec.OutputPath); err != nil {
		log.WithField("producer", rec.ProducerId).Error("recording output file was not created")
		failed = true
	} else if stat.Size() == 0 {
		log.WithField("producer", rec.ProducerId).Error("recording output file is empty, removing")
		if err := os.Remove(rec.OutputPath); err != nil {
			log.Warnf("failed to remove empty output file %s: %v", rec.OutputPath, err)
		}
		failed = true
	} else {
		log.WithField("producer", rec.ProducerId).
			Infof("recording saved to %s (%d bytes)", rec.OutputPath, stat.Size())
	}

	rec.mu.Lock()
	rec.failed = failed
	rec.mu.Unlock()

	reason := events.StopReasonNormal
	if failed {
		reason = events.StopReasonFailure
	}
	appstats.ActiveRecordings.Dec()
	g.publisher.Publish(events.NewRecordingStopped(rec.ProducerId, rec.OutputPath, reason, exitErr))
	close(rec.done)
}

// StopAll stops every active recording. Used on shutdown.
func (g *Registry) StopAll() {
	g.mu.Lock()
	recs := make([]*Recording, 0, len(g.active))
	for _, r := range g.active {
		recs = append(recs, r)
	}
	g.mu.Unlock()

	for _, r := range recs {
		r.Stop()
	}
}

// CheckFsPermissions validates that the recording and scratch
// directories exist (creating the recording directory if needed) and are
// writable with the configured file mode.
func CheckFsPermissions(cfg config.Recording) error {
	dir := path.Clean(cfg.Directory)

	dirMode, err := parseFileMode(cfg.DirFileMode)
	if err != nil {
		return err
	}

	if stat, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not stat recording directory %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("recording directory could not be created: %w", err)
		}
	} else if !stat.IsDir() {
		return fmt.Errorf("recording path is not a directory: %s", dir)
	}

	fileMode, err := parseFileMode(cfg.FileMode)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".rec-file-perm-check-*")
	if err != nil {
		return fmt.Errorf("recording directory is not writable: %w", err)
	}

	defer func() {
		_ = tmpFile.Close()
		if err := os.Remove(tmpFile.Name()); err != nil {
			log.WithField("file", tmpFile.Name()).Warnf("could not remove permission check file: %v", err)
		}
	}()

	if err := tmpFile.Chmod(fileMode); err != nil {
		return fmt.Errorf("cannot apply file mode %s: %w", cfg.FileMode, err)
	}

	return nil
}

func parseFileMode(mode string) (os.FileMode, error) {
	parsed, err := strconv.ParseUint(mode, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %s", mode)
	}
	return os.FileMode(parsed), nil
}
