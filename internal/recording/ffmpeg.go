package recording

import (
	"bufio"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ReesavGupta/peer-link/internal/config"
	log "github.com/sirupsen/logrus"
)

// Supervisor owns one transcoder subprocess: spawn, stderr monitoring,
// startup and max-duration timeouts, teardown.
type Supervisor struct {
	cfg  config.Recording
	port int

	mu           sync.Mutex
	cmd          *exec.Cmd
	startupTimer *time.Timer
	maxTimer     *time.Timer
	started      atomic.Bool
}

func NewSupervisor(cfg config.Recording, port int) *Supervisor {
	return &Supervisor{cfg: cfg, port: port}
}

// Start spawns the transcoder pointed at the session description file.
// onExit runs exactly once when the subprocess exits, whatever the
// reason.
func (s *Supervisor) Start(sdpPath, outputPath string, onExit func(err error)) error {
	cmd := exec.Command(s.cfg.FFmpegPath,
		"-loglevel", "debug",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-acodec", "libmp3lame",
		"-b:a", s.cfg.AudioBitrate,
		"-ar", strconv.Itoa(s.cfg.AudioSampleRate),
		"-ac", strconv.Itoa(s.cfg.AudioChannels),
		"-y", outputPath,
	)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.startupTimer = time.AfterFunc(s.cfg.StartupTimeout, func() {
		if !s.started.Load() {
			log.Errorf("transcoder startup timeout on port %d, killing", s.port)
			s.kill()
		}
	})
	s.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() {
		log.Infof("recording on port %d reached max duration, stopping", s.port)
		s.Stop()
	})
	s.mu.Unlock()

	go s.scanStderr(stderr)
	go func() {
		err := cmd.Wait()
		s.stopTimers()
		log.Debugf("transcoder on port %d exited: %v", s.port, err)
		onExit(err)
	}()

	return nil
}

func (s *Supervisor) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 512*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// "Output #0" / "encoder setup" mark a completed setup; until one
		// of them appears the startup timeout stays armed.
		if strings.Contains(line, "Output #0") || strings.Contains(line, "encoder setup") {
			if s.started.CompareAndSwap(false, true) {
				s.mu.Lock()
				if s.startupTimer != nil {
					s.startupTimer.Stop()
				}
				s.mu.Unlock()
				log.Debugf("transcoder on port %d started", s.port)
			}
		}

		if strings.Contains(line, "bind failed") || strings.Contains(line, "Error number") {
			log.Errorf("transcoder port %d binding error: %s", s.port, line)
			s.kill()
			return
		}

		if strings.Contains(line, "Error") || strings.Contains(line, "error") {
			log.Debugf("transcoder stderr: %s", line)
		}
	}
}

// Stop asks the transcoder to finish cleanly so it flushes its output
// file.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		log.Debugf("failed to signal transcoder: %v", err)
	}
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func (s *Supervisor) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startupTimer != nil {
		s.startupTimer.Stop()
	}
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
}
