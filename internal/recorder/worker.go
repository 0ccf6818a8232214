package recorder

import "sync"

// serialWorker runs submitted jobs one at a time, in submission order, on
// its own goroutine. Submit never blocks, so the controller goroutine can
// hand off persistence and binding without waiting on I/O.
type serialWorker struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newSerialWorker() *serialWorker {
	return &serialWorker{wake: make(chan struct{}, 1)}
}

func (w *serialWorker) submit(job func()) {
	w.mu.Lock()
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run processes jobs until stop is closed. Jobs still queued at that
// point are dropped.
func (w *serialWorker) run(stop <-chan struct{}) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-stop:
				return
			}
		}
		job := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case <-stop:
			return
		default:
		}
		job()
	}
}
