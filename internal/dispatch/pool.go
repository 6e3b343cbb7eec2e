package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

// job is one signed delivery ready to go over the wire.
type job struct {
	subscriptionID string
	endpointURL    string
	body           []byte
	signature      string
}

// pool runs a fixed number of delivery workers over a buffered jobs channel.
// Submission never blocks: a saturated pool rejects the job so a burst of
// slow endpoints can't stall the domain-change producer.
type pool struct {
	numWorkers int
	jobs       chan job
	deliver    func(ctx context.Context, j job)
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func newPool(numWorkers int, deliver func(ctx context.Context, j job), logger *slog.Logger) *pool {
	return &pool{
		numWorkers: numWorkers,
		jobs:       make(chan job, numWorkers*2),
		deliver:    deliver,
		logger:     logger,
	}
}

// start launches the workers. They drain the jobs channel until it closes.
func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("delivery pool started", "num_workers", p.numWorkers)
}

// submit offers a job to the pool, reporting false when the buffer is full.
func (p *pool) submit(j job) bool {
	select {
	case p.jobs <- j:
		return true
	default:
		return false
	}
}

// stop closes the jobs channel and waits for in-flight deliveries.
func (p *pool) stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("delivery pool stopped")
}

func (p *pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for j := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			p.deliver(ctx, j)
		}
	}
}
