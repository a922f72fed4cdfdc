// Package dispatcher serializes commands to a printer and correlates their
// responses by sequence id, per spec.md §4.3. It has no idea how a command
// reaches the wire (package printer) or which printers exist (package
// registry) — it only needs a Publisher per serial and a source of
// sequence-unique text.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/events"
	"github.com/spoolbuddy/core/metrics"
)

// Publisher is the subset of printer.Session the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, raw []byte) error
}

// Lookup resolves a printer serial to its Publisher, or false if unknown.
type Lookup func(serial string) (Publisher, bool)

// Dispatcher serializes command RPCs per printer and resolves responses
// correlated by sequence id.
type Dispatcher struct {
	lookup  Lookup
	publish func(events.Event)
	timeout time.Duration
	metrics *metrics.Metrics

	seq atomic.Uint64

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	pendingMu sync.Mutex
	pending   map[string]map[string]chan string // serial -> sequenceID -> completion chan
}

// New builds a Dispatcher. timeout is the default per-RPC deadline (spec.md
// default: 5s); publish delivers late_response bus events.
func New(lookup Lookup, publish func(events.Event), timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		lookup:  lookup,
		publish: publish,
		timeout: timeout,
		locks:   make(map[string]chan struct{}),
		pending: make(map[string]map[string]chan string),
	}
}

// SetMetrics attaches a Metrics sink. A Dispatcher with no sink attached
// (the zero value, nil) records nothing.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

func (d *Dispatcher) nextSequenceID() string {
	return fmt.Sprintf("sb-%d", d.seq.Add(1))
}

func (d *Dispatcher) lockFor(serial string) chan struct{} {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	ch, ok := d.locks[serial]
	if !ok {
		ch = make(chan struct{}, 1)
		d.locks[serial] = ch
	}
	return ch
}

// Dispatch sends cmd with payload to serial and, unless it's fire-and-forget
// (pushall), waits for the correlated result. Ordering: commands leave the
// dispatcher in the order their write-lock acquisition completed (spec.md
// §5); a caller canceled while queued for the lock never publishes.
func (d *Dispatcher) Dispatch(ctx context.Context, serial string, cmd bambu.CommandName, payload any) (result string, err error) {
	defer func() {
		switch {
		case err == nil:
			d.metrics.CommandSent("success")
		case engine.Is(err, engine.Timeout):
			d.metrics.CommandSent("timeout")
		case engine.Is(err, engine.Canceled):
			d.metrics.CommandSent("canceled")
		default:
			d.metrics.CommandSent("error")
		}
	}()

	pub, ok := d.lookup(serial)
	if !ok {
		return "", engine.Errorf(engine.NotFound, "no such printer %s", serial)
	}

	lock := d.lockFor(serial)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return "", engine.Errorf(engine.Canceled, "canceled waiting for write lock on %s", serial)
	}
	defer func() { <-lock }()

	seqID := d.nextSequenceID()
	fireAndForget := cmd == bambu.CmdPushAll

	var done chan string
	if !fireAndForget {
		done = make(chan string, 1)
		d.registerPending(serial, seqID, done)
	}

	raw, err := bambu.BuildEnvelope(cmd, seqID, payload)
	if err != nil {
		d.clearPending(serial, seqID)
		return "", engine.Errorf(engine.ProtocolError, "building command envelope: %s", err)
	}

	if err := pub.Publish(ctx, raw); err != nil {
		d.clearPending(serial, seqID)
		return "", err
	}

	if fireAndForget {
		return "", nil
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	select {
	case result = <-done:
		return result, nil
	case <-rpcCtx.Done():
		d.clearPending(serial, seqID)
		if ctx.Err() != nil {
			return "", engine.Errorf(engine.Canceled, "command %s to %s canceled", cmd, serial)
		}
		return "", engine.Errorf(engine.Timeout, "command %s to %s timed out", cmd, serial)
	}
}

func (d *Dispatcher) registerPending(serial, seqID string, ch chan string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	m, ok := d.pending[serial]
	if !ok {
		m = make(map[string]chan string)
		d.pending[serial] = m
	}
	m[seqID] = ch
}

func (d *Dispatcher) clearPending(serial, seqID string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if m, ok := d.pending[serial]; ok {
		delete(m, seqID)
	}
}

// Resolve is called by a printer.Session (via its ResultHandler) when a
// report frame carries a correlated result. A miss (timed-out or unknown
// sequence id) publishes a late_response event per spec.md §4.3 and is
// otherwise a no-op.
func (d *Dispatcher) Resolve(serial, sequenceID, result string) {
	d.pendingMu.Lock()
	m, ok := d.pending[serial]
	var ch chan string
	if ok {
		ch, ok = m[sequenceID]
		if ok {
			delete(m, sequenceID)
		}
	}
	d.pendingMu.Unlock()

	if !ok {
		if d.publish != nil {
			d.publish(events.LateResponse{Serial: serial, SequenceID: sequenceID})
		}
		return
	}
	select {
	case ch <- result:
	default:
	}
}
