package controller

import (
	"context"
	"sync"
)

type queueJob struct {
	Run    func() error
	OnFail func(error)
}

// jobQueue bounds how many job instances execute at once across all
// runs. Enqueue never blocks the caller; a full queue is reported so
// the scheduler can back off.
type jobQueue struct {
	jobs    chan queueJob
	workers int
	wg      sync.WaitGroup
}

func newJobQueue(size, workers int) *jobQueue {
	return &jobQueue{
		jobs:    make(chan queueJob, size),
		workers: workers,
	}
}

func (q *jobQueue) Enqueue(job queueJob) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// EnqueueWait blocks until the job is accepted or ctx expires. Run
// schedulers use this so a saturated pool applies backpressure
// instead of dropping instances.
func (q *jobQueue) EnqueueWait(ctx context.Context, job queueJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *jobQueue) Start() {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if err := job.Run(); err != nil {
					if job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}()
	}
}

func (q *jobQueue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}
