//go:build linux

package evserve

import (
	"sync"

	"github.com/rs/zerolog"
)

// loadJob asks for the content of one resolved path. reqPath is the
// original request path, kept for listing links.
type loadJob struct {
	connID   uint64
	resolved string
	reqPath  string
}

type loadResult struct {
	content []byte
	modTime int64
	err     *requestError
}

type loadDone struct {
	job *loadJob
	res loadResult
}

// loaderPool runs disk loads off the reactor thread so one slow read
// cannot stall unrelated connections. Workers touch only the filesystem;
// results travel back to the reactor through done + a poller wakeup, and
// all cache writes stay with the reactor.
type loaderPool struct {
	jobs   chan *loadJob
	h      *handler
	poller *Poller
	log    zerolog.Logger

	mu   sync.Mutex
	done []loadDone
}

func newLoaderPool(workers int, h *handler, poller *Poller, log zerolog.Logger) *loaderPool {
	lp := &loaderPool{
		jobs:   make(chan *loadJob, 256),
		h:      h,
		poller: poller,
		log:    log,
	}
	for i := 0; i < workers; i++ {
		go lp.run()
	}
	return lp
}

func (lp *loaderPool) run() {
	for job := range lp.jobs {
		res := lp.h.load(job)
		lp.mu.Lock()
		lp.done = append(lp.done, loadDone{job: job, res: res})
		lp.mu.Unlock()
		if err := lp.poller.Wakeup(); err != nil {
			lp.log.Error().Err(err).Msg("Poller wakeup failed")
		}
	}
}

func (lp *loaderPool) submit(job *loadJob) {
	lp.jobs <- job
}

// drain hands all finished results to the caller (the reactor thread).
func (lp *loaderPool) drain() []loadDone {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	d := lp.done
	lp.done = nil
	return d
}
