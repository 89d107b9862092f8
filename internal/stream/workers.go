package stream

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/portfolio-ws/internal/monitoring"
)

// deliveryPool is a fixed set of workers for fanning batch payloads out
// across users. Bounding the workers keeps a flush over many users from
// spawning one goroutine per user.
type deliveryPool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
	logger  zerolog.Logger
	started atomic.Bool
}

func newDeliveryPool(workers, queueSize int, logger zerolog.Logger) *deliveryPool {
	return &deliveryPool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
		logger:  logger,
	}
}

// start launches the workers. Without start, run executes tasks inline.
func (p *deliveryPool) start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *deliveryPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(task)
	}
}

func (p *deliveryPool) execute(task func()) {
	defer monitoring.RecoverPanic(p.logger, "delivery-worker", nil)
	task()
}

// run executes the task on a worker, or inline when the queue is full
// or the pool is not running. Inline fallback rather than dropping:
// every queued flush task must complete, the final flush depends on it.
func (p *deliveryPool) run(task func()) {
	if !p.started.Load() {
		p.execute(task)
		return
	}
	select {
	case p.tasks <- task:
	default:
		p.execute(task)
	}
}

// stop drains the queue and waits for the workers to exit.
func (p *deliveryPool) stop() {
	if !p.started.Load() {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}
