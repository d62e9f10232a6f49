package chromedpengine

import "sync"

// frontier is the FIFO work queue feeding the browser workers. It dedupes
// URLs for the lifetime of a run; retries re-enter through requeue, which
// skips the dedup check.
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	visited  map[string]struct{}
	inflight int
	closed   bool
}

func newFrontier() *frontier {
	f := &frontier{visited: make(map[string]struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// add enqueues a URL not seen before in this run. It reports whether the URL
// was newly enqueued.
func (f *frontier) add(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, seen := f.visited[url]; seen {
		return false
	}
	f.visited[url] = struct{}{}
	f.queue = append(f.queue, url)
	f.cond.Broadcast()
	return true
}

// requeue re-enqueues a URL whose load failed and will be attempted again.
func (f *frontier) requeue(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.queue = append(f.queue, url)
	f.cond.Broadcast()
}

// next blocks until a URL is available and claims it. It returns false once
// the frontier has drained (no queued URLs and none in flight) or is closed.
func (f *frontier) next() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return "", false
		}
		if len(f.queue) > 0 {
			url := f.queue[0]
			f.queue = f.queue[1:]
			f.inflight++
			return url, true
		}
		if f.inflight == 0 {
			return "", false
		}
		f.cond.Wait()
	}
}

// done releases the claim taken by next. Any requeue for the same URL must
// happen before done so the frontier never looks drained in between.
func (f *frontier) done() {
	f.mu.Lock()
	f.inflight--
	if f.inflight == 0 && len(f.queue) == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// close empties the queue and wakes every waiting worker. Used on run
// cancellation; in-flight pages still complete.
func (f *frontier) close() {
	f.mu.Lock()
	f.closed = true
	f.queue = nil
	f.cond.Broadcast()
	f.mu.Unlock()
}
