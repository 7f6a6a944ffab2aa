package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReesavGupta/peer-link/internal/appstats"
	"github.com/ReesavGupta/peer-link/internal/config"
	log "github.com/sirupsen/logrus"
)

const workerCrashExitDelay = 2 * time.Second

// Worker is one media engine worker handle. Each worker exposes exactly
// one router.
type Worker struct {
	id     int
	router Router

	diedOnce sync.Once
	died     chan error
}

func (w *Worker) Router() Router { return w.router }

// Kill simulates a worker crash. The pool reacts as it would to a real
// worker death.
func (w *Worker) Kill(err error) {
	w.diedOnce.Do(func() {
		w.died <- err
		close(w.died)
	})
}

// Engine owns the worker pool and hands out routers round-robin. Dead
// workers are recycled in place unless the configuration asks for the
// legacy fatal behavior.
type Engine struct {
	cfg    config.Engine
	driver Driver

	mu      sync.RWMutex
	workers []*Worker
	next    uint32

	closed chan struct{}
	fatal  func(err error)
}

func NewEngine(cfg config.Engine, driver Driver) (*Engine, error) {
	if driver == nil {
		driver = NewLocalDriver()
	}

	n := cfg.Workers
	if n < 1 {
		n = 1
	}

	e := &Engine{
		cfg:    cfg,
		driver: driver,
		closed: make(chan struct{}),
		fatal: func(err error) {
			log.Fatalf("media engine worker died: %s", err)
		},
	}

	for i := 0; i < n; i++ {
		w, err := e.spawnWorker(i)
		if err != nil {
			return nil, fmt.Errorf("failed to spawn worker %d: %w", i, err)
		}
		e.workers = append(e.workers, w)
		go e.watch(i, w)
	}

	log.Infof("media engine started with %d worker(s)", n)
	return e, nil
}

func (e *Engine) spawnWorker(id int) (*Worker, error) {
	router, err := e.driver.NewRouter(e.cfg)
	if err != nil {
		return nil, err
	}
	return &Worker{id: id, router: router, died: make(chan error, 1)}, nil
}

// Router returns the next router in round-robin order.
func (e *Engine) Router() Router {
	i := atomic.AddUint32(&e.next, 1)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers[int(i-1)%len(e.workers)].router
}

// Worker returns the worker at the given pool slot. Used by tests and
// diagnostics.
func (e *Engine) Worker(id int) *Worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id < 0 || id >= len(e.workers) {
		return nil
	}
	return e.workers[id]
}

func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.workers)
}

func (e *Engine) watch(slot int, w *Worker) {
	var err error
	select {
	case <-e.closed:
		return
	case err = <-w.died:
	}

	log.WithField("worker", w.id).Errorf("media engine worker died: %v", err)
	appstats.WorkerCrashes.Inc()

	if e.cfg.ExitOnWorkerCrash {
		log.Errorf("exiting in %s", workerCrashExitDelay)
		time.Sleep(workerCrashExitDelay)
		e.fatal(err)
		return
	}

	replacement, spawnErr := e.spawnWorker(w.id)
	if spawnErr != nil {
		log.WithField("worker", w.id).Errorf("failed to recycle worker: %v", spawnErr)
		e.fatal(spawnErr)
		return
	}

	e.mu.Lock()
	e.workers[slot] = replacement
	e.mu.Unlock()
	log.WithField("worker", w.id).Info("media engine worker recycled")

	go e.watch(slot, replacement)
}

func (e *Engine) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

// SetFatalHook overrides the process-exit behavior on unrecoverable
// worker failures. Tests use it; the default terminates the process.
func (e *Engine) SetFatalHook(fn func(err error)) {
	if fn == nil {
		fn = func(err error) { os.Exit(1) }
	}
	e.fatal = fn
}
