package dispatcher

import "time"

// options holds configuration for a Dispatcher, grounded on
// eventloop/options.go's functional-option pattern (LoopOption).
type options struct {
	workerCount int
	idleWait    time.Duration
}

// Option configures a Dispatcher.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithWorkerCount overrides the background worker-pool size. n must be
// at least 1; values below 1 are clamped up to 1.
func WithWorkerCount(n int) Option {
	return optionFunc(func(o *options) {
		if n < 1 {
			n = 1
		}
		o.workerCount = n
	})
}

// WithPollTimeout bounds how long the foreground loop may sleep when
// neither a ready task nor a timer is pending, per spec.md §4.4 ("or by
// one second if none"). Distinct from the readiness watcher's own fixed
// 500ms epoll timeout (watcher.pollTimeoutMillis) — this governs the
// dispatcher's own idle wait, not the OS multiplexer.
func WithPollTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d > 0 {
			o.idleWait = d
		}
	})
}

func resolveOptions(opts []Option) *options {
	cfg := &options{
		workerCount: defaultWorkerCount(),
		idleWait:    time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}
