package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Job is one unit of background work. Jobs must respect ctx cancellation:
// the runner enforces the hard timeout through the context.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue runs webhook-triggered work off the request path with bounded
// concurrency. A soft timeout logs a warning for slow jobs; the hard timeout
// cancels the job context. Failed jobs retry with linear backoff up to
// MaxRetries.
type Queue struct {
	sem         *semaphore.Weighted
	softTimeout time.Duration
	hardTimeout time.Duration
	maxRetries  int
	backoff     time.Duration

	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc
}

type Options struct {
	Workers     int
	SoftTimeout time.Duration
	HardTimeout time.Duration
	MaxRetries  int
	Backoff     time.Duration
}

func NewQueue(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 10 * time.Minute
	}
	if opts.HardTimeout <= opts.SoftTimeout {
		opts.HardTimeout = opts.SoftTimeout + 5*time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		softTimeout: opts.SoftTimeout,
		hardTimeout: opts.HardTimeout,
		maxRetries:  opts.MaxRetries,
		backoff:     opts.Backoff,
		ctx:         ctx,
		stop:        cancel,
	}
}

// Enqueue schedules the job and returns immediately. The job starts once a
// worker slot frees up. Enqueue after Shutdown is a logged no-op.
func (q *Queue) Enqueue(job Job) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			log.Printf("job %s dropped: queue shutting down", job.Name)
			return
		}
		defer q.sem.Release(1)
		q.runWithRetry(job)
	}()
}

func (q *Queue) runWithRetry(job Job) {
	for attempt := 0; ; attempt++ {
		err := q.runOnce(job)
		if err == nil {
			return
		}
		if attempt >= q.maxRetries {
			log.Printf("job %s failed permanently after %d attempt(s): %v", job.Name, attempt+1, err)
			return
		}
		delay := time.Duration(attempt+1) * q.backoff
		log.Printf("job %s attempt %d failed, retrying in %s: %v", job.Name, attempt+1, delay, err)
		select {
		case <-time.After(delay):
		case <-q.ctx.Done():
			log.Printf("job %s abandoned: queue shutting down", job.Name)
			return
		}
	}
}

func (q *Queue) runOnce(job Job) error {
	// Detached from the queue context: shutdown drops queued jobs but lets
	// in-flight jobs finish up to the hard timeout.
	ctx, cancel := context.WithTimeout(context.Background(), q.hardTimeout)
	defer cancel()

	soft := time.AfterFunc(q.softTimeout, func() {
		log.Printf("job %s exceeded soft timeout %s, still running", job.Name, q.softTimeout)
	})
	defer soft.Stop()

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("job %s finished in %s", job.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

// Shutdown stops accepting work and waits for in-flight jobs until ctx
// expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stop()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
