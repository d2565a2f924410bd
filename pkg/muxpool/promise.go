package muxpool

import "sync"

// streamResult is the outcome of one stream acquisition.
type streamResult struct {
	Stream *StreamHost
	Err    error
}

// streamPromise delivers the asynchronous outcome of a stream acquisition
// exactly once. Failure hooks run before the result is published so a failed
// acquisition always gives its reservation back first.
type streamPromise struct {
	mu           sync.Mutex
	completed    bool
	failed       bool
	failureHooks []func()
	result       chan streamResult
}

func newStreamPromise() *streamPromise {
	return &streamPromise{result: make(chan streamResult, 1)}
}

// onFailure registers a hook to run if the promise fails. A hook registered
// after the promise already failed runs immediately.
func (p *streamPromise) onFailure(hook func()) {
	p.mu.Lock()
	if p.completed {
		failed := p.failed
		p.mu.Unlock()
		if failed {
			hook()
		}
		return
	}

	p.failureHooks = append(p.failureHooks, hook)
	p.mu.Unlock()
}

func (p *streamPromise) succeed(stream *StreamHost) {
	p.complete(streamResult{Stream: stream})
}

func (p *streamPromise) fail(err error) {
	p.complete(streamResult{Err: err})
}

func (p *streamPromise) complete(res streamResult) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}

	p.completed = true
	p.failed = res.Err != nil
	hooks := p.failureHooks
	p.failureHooks = nil
	p.mu.Unlock()

	if res.Err != nil {
		for _, hook := range hooks {
			hook()
		}
	}

	p.result <- res
}
