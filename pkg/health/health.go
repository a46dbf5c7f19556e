// Package health serves liveness and readiness probes.
//
// Every registered probe is polled in the background. A probe flips to
// failing only after FailureThreshold consecutive errors and back to passing
// after SuccessThreshold consecutive successes, so a single slow ping does
// not take the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"golang.org/x/sync/errgroup"
)

// CheckFunc returns nil when the checked dependency is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects the endpoint a probe contributes to.
type Kind int

const (
	// Liveness probes decide whether the process should be restarted.
	Liveness Kind = iota
	// Readiness probes decide whether the instance receives traffic.
	Readiness
)

// ProbeOptions tunes a probe.
type ProbeOptions struct {
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

func (o ProbeOptions) withDefaults() ProbeOptions {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 1
	}
	return o
}

// probe state is written only by its polling goroutine; passing and lastErr
// are read concurrently by handlers.
type probe struct {
	name  string
	kind  Kind
	check CheckFunc
	opts  ProbeOptions

	passing atomic.Bool
	lastErr atomic.Pointer[string]

	fails int
	oks   int
}

func (p *probe) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	if err := p.check(ctx); err != nil {
		msg := err.Error()
		p.lastErr.Store(&msg)
		p.oks = 0
		p.fails++
		if p.fails >= p.opts.FailureThreshold {
			p.passing.Store(false)
		}
		return
	}
	p.lastErr.Store(nil)
	p.fails = 0
	p.oks++
	if p.oks >= p.opts.SuccessThreshold {
		p.passing.Store(true)
	}
}

func (p *probe) failure() string {
	if msg := p.lastErr.Load(); msg != nil {
		return *msg
	}
	return "check is failing"
}

// Checker aggregates probes.
type Checker struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
}

// New creates a Checker. It reports not ready until SetReady(true).
func New() *Checker {
	return &Checker{}
}

// Add registers a probe. Probes start out passing.
func (c *Checker) Add(kind Kind, name string, check CheckFunc, opts ProbeOptions) {
	p := &probe{name: name, kind: kind, check: check, opts: opts.withDefaults()}
	p.passing.Store(true)

	c.mu.Lock()
	c.probes = append(c.probes, p)
	c.mu.Unlock()
}

// Run polls every probe each interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	c.mu.RLock()
	probes := append([]*probe(nil), c.probes...)
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range probes {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.poll(ctx)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// SetReady toggles the manual readiness gate, e.g. off while draining.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// IsReady reports whether the gate is open and all readiness probes pass.
func (c *Checker) IsReady() bool {
	return c.ready.Load() && len(c.failures(Readiness)) == 0
}

func (c *Checker) failures(kind Kind) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range c.probes {
		if p.kind == kind && !p.passing.Load() {
			out[p.name] = p.failure()
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (c *Checker) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, c.failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := c.failures(Readiness)
	if !c.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

// writeStatus writes {"status":"ok"} or 503 with
// {"status":"unhealthy","checks":{name: error}}.
func writeStatus(w http.ResponseWriter, failures map[string]string) {
	status := http.StatusOK
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	if len(failures) == 0 {
		e.Str("ok")
	} else {
		status = http.StatusServiceUnavailable
		e.Str("unhealthy")
		e.FieldStart("checks")
		e.ObjStart()
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failures[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
