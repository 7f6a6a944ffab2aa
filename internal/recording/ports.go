package recording

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ReesavGupta/peer-link/internal/appstats"
	log "github.com/sirupsen/logrus"
)

var ErrNoPortsAvailable = errors.New("no ports available in recording range")

type reservation struct {
	inUse        bool
	releaseTimer *time.Timer
}

// PortAllocator hands out UDP ports from a fixed range. Reservation is a
// single atomic scan-mark-probe step; release is delayed so a port is
// never rebound while the previous user's socket may still be tearing
// down.
type PortAllocator struct {
	start, end   int
	releaseDelay time.Duration

	mu    sync.Mutex
	ports map[int]*reservation
	probe func(port int) error
}

func NewPortAllocator(start, end int, releaseDelay time.Duration) *PortAllocator {
	return &PortAllocator{
		start:        start,
		end:          end,
		releaseDelay: releaseDelay,
		ports:        make(map[int]*reservation),
		probe:        probeUDP,
	}
}

// Reserve scans the range for a port that is neither reserved nor
// pending release, probes it at the OS level and marks it in use. The
// whole scan happens under the allocator lock so two concurrent calls
// can never observe the same free port.
func (a *PortAllocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port <= a.end; port++ {
		if r := a.ports[port]; r != nil {
			continue
		}
		if err := a.probe(port); err != nil {
			log.Debugf("port %d not available: %v", port, err)
			continue
		}

		a.ports[port] = &reservation{inUse: true}
		appstats.ReservedPorts.Inc()
		log.Debugf("reserved port %d for recording", port)
		return port, nil
	}

	return 0, ErrNoPortsAvailable
}

// Release schedules the port to become available again after the release
// delay. Calling it again before the timer fires restarts the delay.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.ports[port]
	if r == nil {
		return
	}
	if r.releaseTimer != nil {
		r.releaseTimer.Stop()
	}

	r.releaseTimer = time.AfterFunc(a.releaseDelay, func() {
		a.mu.Lock()
		delete(a.ports, port)
		a.mu.Unlock()
		appstats.ReservedPorts.Dec()
		log.Debugf("released port %d", port)
	})
}

// Reserved returns the number of ports currently reserved or pending
// release.
func (a *PortAllocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ports)
}

// Close stops all pending release timers. Ports are not returned to the
// pool; the allocator is done.
func (a *PortAllocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.ports {
		if r.releaseTimer != nil {
			r.releaseTimer.Stop()
		}
	}
}

func probeUDP(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return err
	}
	return conn.Close()
}
