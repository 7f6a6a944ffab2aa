package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/stretchr/testify/assert"
)

type stubRouter struct {
	id int
}

func (r *stubRouter) RtpCapabilities() RTPCapabilities { return RTPCapabilities{} }
func (r *stubRouter) CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error) {
	return nil, fmt.Errorf("not implemented")
}
func (r *stubRouter) CreatePlainTransport(ctx context.Context, port int) (PlainTransport, error) {
	return nil, fmt.Errorf("not implemented")
}
func (r *stubRouter) CanConsume(producer Producer, caps RTPCapabilities) bool { return false }

type stubDriver struct {
	mu      sync.Mutex
	created int
	fail    bool
}

func (d *stubDriver) NewRouter(cfg config.Engine) (Router, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, fmt.Errorf("driver refused")
	}
	d.created++
	return &stubRouter{id: d.created}, nil
}

var _ Driver = (*stubDriver)(nil)

func TestRouterRoundRobin(t *testing.T) {
	eng, err := NewEngine(config.Engine{Workers: 3}, &stubDriver{})
	assert.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, 3, eng.Size())

	seen := make(map[Router]int)
	for i := 0; i < 9; i++ {
		seen[eng.Router()]++
	}
	assert.Len(t, seen, 3)
	for _, n := range seen {
		assert.Equal(t, 3, n)
	}
}

func TestRouterRoundRobinConcurrent(t *testing.T) {
	eng, err := NewEngine(config.Engine{Workers: 4}, &stubDriver{})
	assert.NoError(t, err)
	defer eng.Close()

	var wg sync.WaitGroup
	var counts [4]uint32
	routers := make(map[Router]int)
	for i := 0; i < eng.Size(); i++ {
		routers[eng.Worker(i).Router()] = i
	}
	// Worker(i) consumed no round-robin turns, only lookups.

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, ok := routers[eng.Router()]
			if assert.True(t, ok) {
				atomic.AddUint32(&counts[slot], 1)
			}
		}()
	}
	wg.Wait()

	var total uint32
	for _, n := range counts {
		assert.Equal(t, uint32(25), n)
		total += n
	}
	assert.Equal(t, uint32(100), total)
}

func TestWorkerCountFloor(t *testing.T) {
	eng, err := NewEngine(config.Engine{Workers: 0}, &stubDriver{})
	assert.NoError(t, err)
	defer eng.Close()
	assert.Equal(t, 1, eng.Size())
}

func TestDeadWorkerIsRecycled(t *testing.T) {
	driver := &stubDriver{}
	eng, err := NewEngine(config.Engine{Workers: 2}, driver)
	assert.NoError(t, err)
	defer eng.Close()

	old := eng.Worker(0)
	oldRouter := old.Router()
	old.Kill(fmt.Errorf("segfault"))

	assert.Eventually(t, func() bool {
		w := eng.Worker(0)
		return w != old && w.Router() != oldRouter
	}, time.Second, 10*time.Millisecond, "worker was not recycled")

	assert.Equal(t, 2, eng.Size())
}

func TestExitOnWorkerCrash(t *testing.T) {
	eng, err := NewEngine(config.Engine{Workers: 1, ExitOnWorkerCrash: true}, &stubDriver{})
	assert.NoError(t, err)
	defer eng.Close()

	fatal := make(chan error, 1)
	eng.SetFatalHook(func(err error) { fatal <- err })

	eng.Worker(0).Kill(fmt.Errorf("segfault"))

	select {
	case err := <-fatal:
		assert.EqualError(t, err, "segfault")
	case <-time.After(workerCrashExitDelay + 2*time.Second):
		t.Fatal("fatal hook was not invoked")
	}
}

func TestRecycleSpawnFailureIsFatal(t *testing.T) {
	driver := &stubDriver{}
	eng, err := NewEngine(config.Engine{Workers: 1}, driver)
	assert.NoError(t, err)
	defer eng.Close()

	fatal := make(chan error, 1)
	eng.SetFatalHook(func(err error) { fatal <- err })

	driver.mu.Lock()
	driver.fail = true
	driver.mu.Unlock()

	eng.Worker(0).Kill(fmt.Errorf("segfault"))

	select {
	case err := <-fatal:
		assert.EqualError(t, err, "driver refused")
	case <-time.After(2 * time.Second):
		t.Fatal("fatal hook was not invoked")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	eng, err := NewEngine(config.Engine{Workers: 1}, &stubDriver{})
	assert.NoError(t, err)
	defer eng.Close()

	w := eng.Worker(0)
	w.Kill(fmt.Errorf("first"))
	w.Kill(fmt.Errorf("second"))

	assert.Eventually(t, func() bool {
		return eng.Worker(0) != w
	}, time.Second, 10*time.Millisecond)
}
