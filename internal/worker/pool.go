package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/logging"
)

// ResultFunc receives each finished pipeline result. It runs on the
// worker's goroutine and may be called from several workers at once.
type ResultFunc func(*Result)

// IssueRunner runs one issue to a terminal result.
type IssueRunner interface {
	Run(ctx context.Context, issue *issues.Issue) *Result
}

// Pool runs pipelines on a fixed number of workers. Dispatch never
// blocks: TryDispatch refuses when every worker is occupied and the
// caller retries on a later tick.
type Pool struct {
	runner   IssueRunner
	onResult ResultFunc
	size     int

	tasks chan *issues.Issue
	wg    sync.WaitGroup

	mu   sync.Mutex
	busy int

	log *slog.Logger
}

// NewPool creates a pool of size workers feeding results to onResult.
func NewPool(size int, runner IssueRunner, onResult ResultFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		runner:   runner,
		onResult: onResult,
		size:     size,
		tasks:    make(chan *issues.Issue, size),
		log:      logging.WithComponent("worker"),
	}
}

// Start launches the worker goroutines. Workers exit when the context
// is cancelled, or when Close is called and the queue drains.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx, i+1)
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case issue, ok := <-p.tasks:
			if !ok {
				return
			}
			p.log.Debug("Worker picked up issue",
				slog.Int("worker", id),
				slog.String("issue", issue.ID),
			)
			res := p.runner.Run(ctx, issue)
			p.onResult(res)
			p.mu.Lock()
			p.busy--
			p.mu.Unlock()
		}
	}
}

// TryDispatch hands an issue to a free worker. It returns false when
// all workers are busy; the issue stays with the caller.
func (p *Pool) TryDispatch(issue *issues.Issue) bool {
	p.mu.Lock()
	if p.busy >= p.size {
		p.mu.Unlock()
		return false
	}
	p.busy++
	p.mu.Unlock()

	p.tasks <- issue
	return true
}

// Active returns the number of dispatched issues whose completion
// callback has not returned yet.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Close stops accepting work and waits for in-flight pipelines.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
