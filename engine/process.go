// Package engine holds the ambient plumbing shared by every SpoolBuddy
// component: background-worker supervision, database bootstrapping, an
// HTTP router, and a small typed error taxonomy.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Proc is a long-running background task. It must not return until ctx is
// done; returning earlier (with or without an error) is treated as a bug.
type Proc func(context.Context) error

// ProcMgr runs a fixed set of Procs concurrently and blocks until they've
// all observed cancellation. It's a fancy sync.WaitGroup: add every Proc
// before calling Run, then Run blocks for the life of the process.
type ProcMgr struct {
	procs []Proc
}

func (p *ProcMgr) Add(proc Proc) { p.procs = append(p.procs, proc) }

func (p *ProcMgr) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err == nil && ctx.Err() == nil {
				panic("a proc returned unexpectedly!")
			}
			if err != nil && ctx.Err() == nil {
				panic(fmt.Sprintf("proc returned an error: %s", err))
			}
		}(proc)
	}
	wg.Wait()
}

// PollingFunc reports whether it found work to do. When it returns true,
// Poll calls it again immediately instead of waiting out the interval.
type PollingFunc func(context.Context) bool

// Poll is a Proc that calls fn on a jittered interval, looping immediately
// (skipping the wait) whenever fn reports it found work.
func Poll(interval time.Duration, fn PollingFunc) Proc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if fn(ctx) {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			ticker.Reset(time.Duration(float64(interval) * (0.9 + 0.2*rand.Float64())))
		}
	}
}
