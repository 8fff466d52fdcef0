package main

import (
	"runtime"
	"sync"

	"github.com/remeh/sizedwaitgroup"
)

// submissionWorkerPool runs block submissions off the connection
// goroutine so a slow daemon never delays share responses. Share
// validation itself stays on the connection goroutine, preserving
// per-session ordering.
type submissionWorkerPool struct {
	tasks     chan func()
	startOnce sync.Once
	wg        sizedwaitgroup.SizedWaitGroup
}

func newSubmissionWorkerPool() *submissionWorkerPool {
	return &submissionWorkerPool{tasks: make(chan func(), 64)}
}

func (p *submissionWorkerPool) Start() {
	p.startOnce.Do(func() {
		workers := runtime.NumCPU()
		if workers > 4 {
			workers = 4
		}
		p.wg = sizedwaitgroup.New(workers)
		for i := 0; i < workers; i++ {
			p.wg.Add()
			go p.worker()
		}
	})
}

func (p *submissionWorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues a task, running it inline when the queue is saturated so
// a found block is never dropped.
func (p *submissionWorkerPool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		task()
	}
}
