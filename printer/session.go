// Package printer owns one logical MQTT session to one Bambu Lab printer:
// connect/reconnect with backoff, telemetry reduction into a canonical
// bambu.PrinterState, and outbound command publication. It knows nothing
// about the dispatcher's write-lock or sequence-id bookkeeping, or about
// WebSocket subscribers — those are layered on top by package dispatcher
// and package wshub, respectively.
package printer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/spoolbuddy/core/bambu"
	"github.com/spoolbuddy/core/engine"
	"github.com/spoolbuddy/core/events"
)

// pushallInterval is spec.md §4.3's pushall rate limit: at most once every
// 2s per printer.
const pushallInterval = 2 * time.Second

// Status is the Printer Session state machine of spec.md §4.1.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusBackoff      Status = "BACKOFF"
)

// Config identifies one printer and the session's tunables.
type Config struct {
	Serial     string
	Host       string
	AccessCode string
	Port       int // defaults to 8883

	ReconnectMin time.Duration // defaults to 1s
	ReconnectMax time.Duration // defaults to 60s

	// unreachableThreshold/-Window: spec.md §4.1's ">10 failures in 5 min"
	// rule. Both default when zero.
	UnreachableThreshold int
	UnreachableWindow    time.Duration
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 8883
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.UnreachableThreshold == 0 {
		c.UnreachableThreshold = 10
	}
	if c.UnreachableWindow == 0 {
		c.UnreachableWindow = 5 * time.Minute
	}
}

// ClientFactory builds the underlying MQTT client. Overridable in tests so
// the transport is injectable per spec.md §9's test-seams design note.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// ResultHandler is notified of a report frame's correlated command result,
// so the Command Dispatcher (package dispatcher) can resolve in-flight RPCs
// without Session knowing anything about sequence-id bookkeeping.
type ResultHandler func(sequenceID, result string)

// Session owns exactly one MQTT session and the PrinterState it feeds.
type Session struct {
	cfg    Config
	newMQ  ClientFactory
	publish func(events.Event)
	onResult ResultHandler

	mu      sync.Mutex
	state   *bambu.PrinterState
	cover   *bambu.CoverAssembler
	status  Status
	client  paho.Client

	lostCh chan struct{}

	failuresMu sync.Mutex
	failures   []time.Time

	pushallLimiter *rate.Limiter
}

// New constructs a Session. publish delivers bus events (printer_connected,
// printer_disconnected, printer_state, parse_warning/_error, ...);
// onResult delivers correlated command results to the dispatcher.
func New(cfg Config, newMQ ClientFactory, publish func(events.Event), onResult ResultHandler) *Session {
	cfg.setDefaults()
	if newMQ == nil {
		newMQ = paho.NewClient
	}
	return &Session{
		cfg:            cfg,
		newMQ:          newMQ,
		publish:        publish,
		onResult:       onResult,
		state:          bambu.NewPrinterState(),
		cover:          &bambu.CoverAssembler{},
		status:         StatusDisconnected,
		pushallLimiter: rate.NewLimiter(rate.Every(pushallInterval), 1),
	}
}

func (s *Session) Serial() string { return s.cfg.Serial }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a deep copy of the current telemetry, safe to hold.
func (s *Session) Snapshot() *bambu.PrinterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// reportTopic / requestTopic are the bit-exact MQTT topics of spec.md §4.1.
func (s *Session) reportTopic() string  { return fmt.Sprintf("device/%s/report", s.cfg.Serial) }
func (s *Session) requestTopic() string { return fmt.Sprintf("device/%s/request", s.cfg.Serial) }

// Run drives the connect/backoff state machine until ctx is canceled. It is
// an engine.Proc: it must not return before ctx is done.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			s.disconnect()
			return ctx.Err()
		}

		s.setStatus(StatusConnecting)
		lost := make(chan struct{}, 1)

		opts := paho.NewClientOptions().
			AddBroker(fmt.Sprintf("ssl://%s:%d", s.cfg.Host, s.cfg.Port)).
			SetClientID(fmt.Sprintf("spoolbuddy-%s-%d", s.cfg.Serial, time.Now().UnixNano())).
			SetUsername("bblp").
			SetPassword(s.cfg.AccessCode).
			SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
			SetAutoReconnect(false).
			SetKeepAlive(30 * time.Second).
			SetConnectTimeout(5 * time.Second).
			SetOnConnectHandler(func(paho.Client) { s.onConnect() }).
			SetConnectionLostHandler(func(_ paho.Client, err error) {
				slog.Warn("printer connection lost", "serial", s.cfg.Serial, "error", err)
				select {
				case lost <- struct{}{}:
				default:
				}
			}).
			SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
				s.handleMessage(msg.Payload())
			})

		client := s.newMQ(opts)
		s.mu.Lock()
		s.client = client
		s.lostCh = lost
		s.mu.Unlock()

		token := client.Connect()
		ok := token.WaitTimeout(5 * time.Second)
		if !ok || token.Error() != nil {
			s.recordFailure()
			s.markDisconnected()
			if !s.waitBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		backoff = s.cfg.ReconnectMin // reset on clean CONNECTED (onConnect already fired)

		select {
		case <-ctx.Done():
			s.disconnect()
			return ctx.Err()
		case <-lost:
			s.markDisconnected()
			if !s.waitBackoff(ctx, &backoff) {
				return ctx.Err()
			}
		}
	}
}

func (s *Session) waitBackoff(ctx context.Context, backoff *time.Duration) bool {
	s.setStatus(StatusBackoff)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > s.cfg.ReconnectMax {
		*backoff = s.cfg.ReconnectMax
	}
	return true
}

func (s *Session) onConnect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	sub := client.Subscribe(s.reportTopic(), 0, nil)
	if sub.Wait() && sub.Error() != nil {
		slog.Error("failed to subscribe to printer report topic", "serial", s.cfg.Serial, "error", sub.Error())
		return
	}

	s.setStatus(StatusConnected)
	s.mu.Lock()
	s.state.Connected = true
	s.state.LastSeenTS = time.Now()
	s.mu.Unlock()

	s.emit(events.PrinterConnected{Serial: s.cfg.Serial})
	s.requestPushall()
}

func (s *Session) markDisconnected() {
	s.setStatus(StatusDisconnected)
	s.mu.Lock()
	s.state.MarkDisconnected()
	s.mu.Unlock()
	s.emit(events.PrinterDisconnected{Serial: s.cfg.Serial})
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) disconnect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	s.markDisconnected()
}

func (s *Session) handleMessage(payload []byte) {
	if seq, result, ok := bambu.ExtractResult(payload); ok && s.onResult != nil {
		s.onResult(seq, result)
	}

	s.mu.Lock()
	res, err := bambu.Reduce(s.state, payload, s.cover)
	if err != nil {
		s.mu.Unlock()
		s.emit(events.ParseError{Serial: s.cfg.Serial, Message: err.Error()})
		return
	}
	s.state.LastSeenTS = time.Now()
	snap := s.state.Snapshot()
	s.mu.Unlock()

	for _, w := range res.Warnings {
		s.emit(events.ParseWarning{Serial: s.cfg.Serial, Message: w})
	}
	if !res.Delta.Empty() {
		s.emit(events.PrinterState{Serial: s.cfg.Serial, State: snap, Delta: res.Delta})
	}
}

func (s *Session) emit(e events.Event) {
	if s.publish != nil {
		s.publish(e)
	}
}

// requestPushall issues a fire-and-forget pushall, rate-limited per
// spec.md §4.3 to at most once every 2s per printer.
func (s *Session) requestPushall() {
	if !s.pushallLimiter.Allow() {
		return
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	raw, err := bambu.BuildEnvelope(bambu.CmdPushAll, fmt.Sprintf("%d", time.Now().UnixNano()), nil)
	if err != nil {
		return
	}
	if client == nil || !client.IsConnected() {
		return
	}
	client.Publish(s.requestTopic(), 0, false, raw)
}

// Publish sends a pre-built command envelope to the printer's request
// topic. It fails fast with engine.Unavailable if the session is not
// CONNECTED (spec.md §4.1's no-buffering edge policy), and with
// engine.Timeout if the enqueue doesn't complete within 5s.
func (s *Session) Publish(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	client := s.client
	status := s.status
	s.mu.Unlock()

	if status != StatusConnected || client == nil || !client.IsConnected() {
		return engine.Errorf(engine.Unavailable, "printer %s is not connected", s.cfg.Serial)
	}

	token := client.Publish(s.requestTopic(), 0, false, raw)
	if !token.WaitTimeout(5 * time.Second) {
		return engine.Errorf(engine.Timeout, "publish to printer %s did not complete in time", s.cfg.Serial)
	}
	if token.Error() != nil {
		return engine.Errorf(engine.Disconnected, "publish to printer %s failed: %s", s.cfg.Serial, token.Error())
	}
	return nil
}

// SimulateConnectionLost forces the session to treat its current connection
// as lost. It exists for tests that inject a fake ClientFactory and need to
// deterministically drive the Backoff transition.
func (s *Session) SimulateConnectionLost() {
	s.mu.Lock()
	ch := s.lostCh
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) recordFailure() {
	now := time.Now()
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()

	s.failures = append(s.failures, now)
	cutoff := now.Add(-s.cfg.UnreachableWindow)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept

	if len(s.failures) > s.cfg.UnreachableThreshold {
		s.emit(events.PrinterUnreachable{Serial: s.cfg.Serial, Since: s.failures[0]})
	}
}
