// Package reachability tracks up/down transitions of some externally
// probed network condition and lets callers wait for the next "up" edge.
//
// There is no single portable Go stdlib hook for "network reachability
// changed" the way a mobile OS exposes one, so the Oracle here is built
// around an injectable CheckFunc that is polled on an interval. Production
// callers supply a real check (e.g. dialing a well-known host); tests
// inject a deterministic fake.
package reachability

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Edge is an up/down transition.
type Edge int

const (
	Down Edge = iota
	Up
)

func (e Edge) String() string {
	if e == Up {
		return "up"
	}
	return "down"
}

// CheckFunc reports whether the network is currently reachable.
type CheckFunc func(ctx context.Context) bool

// Config configures an Oracle's polling behaviour.
type Config struct {
	// Check reports current reachability. Required.
	Check CheckFunc

	// PollInterval is the nominal interval between checks.
	PollInterval time.Duration

	// PollBurst is the burst size of the rate limiter that gates each
	// check. The poll loop also waits PollInterval after every check, so
	// checks never run back to back whatever the burst. The limiter
	// exists to protect whatever Check actually probes from being hammered,
	// the same role golang.org/x/time/rate plays in front of the CLOB REST
	// client this package's polling loop is grounded on.
	PollBurst int
}

// Oracle tracks reachability edges and serves AwaitUp waiters.
type Oracle struct {
	check   CheckFunc
	limiter *rate.Limiter
	interval time.Duration

	mu     sync.Mutex
	up     bool
	upCh   chan struct{} // closed and replaced on every "up" transition
	subs   map[int]chan Edge
	nextID int

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates an Oracle and starts its polling loop. Call Stop to release
// resources.
func New(cfg Config) *Oracle {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	burst := cfg.PollBurst
	if burst <= 0 {
		burst = 1
	}

	o := &Oracle{
		check:    cfg.Check,
		limiter:  rate.NewLimiter(rate.Every(interval), burst),
		interval: interval,
		upCh:     make(chan struct{}),
		subs:     make(map[int]chan Edge),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go o.pollLoop()
	return o
}

// IsUp reports the last observed reachability state.
func (o *Oracle) IsUp() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.up
}

// AwaitUp blocks until the next "up" edge, returning immediately if the
// Oracle already considers the network up. Returns early with ctx.Err()
// if ctx is done first.
func (o *Oracle) AwaitUp(ctx context.Context) error {
	o.mu.Lock()
	if o.up {
		o.mu.Unlock()
		return nil
	}
	ch := o.upCh
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return context.Canceled
	}
}

// Subscribe returns a channel of edge transitions (deduplicated: no two
// consecutive identical edges are ever delivered) and a function to cancel
// the subscription. The channel is buffered; a slow subscriber drops the
// oldest pending edge rather than blocking the poll loop.
func (o *Oracle) Subscribe() (<-chan Edge, func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	ch := make(chan Edge, 4)
	o.subs[id] = ch
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
		o.mu.Unlock()
	}
	return ch, cancel
}

// Stop terminates the polling loop.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
}

func (o *Oracle) pollLoop() {
	defer close(o.done)
	ctx := context.Background()

	for {
		if err := o.limiter.Wait(ctx); err != nil {
			return
		}

		select {
		case <-o.stopCh:
			return
		default:
		}

		up := o.check != nil && o.check(ctx)
		o.setState(up)

		select {
		case <-o.stopCh:
			return
		case <-time.After(o.interval):
		}
	}
}

func (o *Oracle) setState(up bool) {
	o.mu.Lock()
	changed := up != o.up
	o.up = up
	if changed && up {
		close(o.upCh)
		o.upCh = make(chan struct{})
	}
	var edge Edge
	if up {
		edge = Up
	} else {
		edge = Down
	}
	var subs []chan Edge
	if changed {
		for _, c := range o.subs {
			subs = append(subs, c)
		}
	}
	o.mu.Unlock()

	if !changed {
		return
	}
	for _, c := range subs {
		select {
		case c <- edge:
		default:
			// drop the stale pending edge, keep the newest
			select {
			case <-c:
			default:
			}
			select {
			case c <- edge:
			default:
			}
		}
	}
}
