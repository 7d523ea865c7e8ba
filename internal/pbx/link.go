package pbx

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/percipia/eslgo"
	"github.com/percipia/eslgo/command"
)

// Conn is the subset of the event socket connection the link uses.
// Satisfied by *eslgo.Conn; faked in tests.
type Conn interface {
	SendCommand(ctx context.Context, cmd command.Command) (*eslgo.RawResponse, error)
	RegisterEventListener(channelUUID string, listener eslgo.EventListener) string
	RemoveEventListener(channelUUID string, listenerID string)
	Close()
}

// DialFunc establishes one event socket connection.
type DialFunc func(addr, password string, onDisconnect func()) (Conn, error)

func defaultDial(addr, password string, onDisconnect func()) (Conn, error) {
	return eslgo.Dial(addr, password, onDisconnect)
}

// Config holds control link settings.
type Config struct {
	Addr     string
	Password string

	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ActionTimeout        time.Duration

	// Events to subscribe to; defaults to the engine's event set.
	Events []string

	// EventBuffer caps the outbound event channel; events are dropped
	// (with a warning) when the consumer falls this far behind.
	EventBuffer int

	// ReorderWindow is how long sequenced events are held so they can be
	// released in Event-Sequence order.
	ReorderWindow time.Duration

	Logger *slog.Logger

	// Dialer overrides the transport; used by tests.
	Dialer DialFunc
}

// Link is one persistent connection to the PBX control channel. All
// lifecycle transitions happen under a single mutex and only one
// reconnect may be in flight at a time.
type Link struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	state        LinkState
	conn         Conn
	listenerID   string
	reconnecting bool
	closed       bool

	lastSuccess atomic.Int64 // unix nanos of the last acknowledged action

	events chan Event
	raw    chan seqEvent
	stopCh chan struct{}
	loops  sync.Once
	wg     sync.WaitGroup
}

// seqEvent is a sequenced event waiting in the reorder stage.
type seqEvent struct {
	seq uint64
	ev  Event
	at  time.Time
}

// NewLink creates a Link; call Connect to bring it up.
func NewLink(cfg Config) *Link {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDial
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 10 * time.Millisecond
	}
	if len(cfg.Events) == 0 {
		cfg.Events = []string{
			EventBackgroundJob,
			EventChannelAnswer,
			EventDTMF,
			EventChannelHangup,
		}
	}

	return &Link{
		cfg:    cfg,
		log:    cfg.Logger,
		state:  StateDisconnected,
		events: make(chan Event, cfg.EventBuffer),
		raw:    make(chan seqEvent, cfg.EventBuffer),
		stopCh: make(chan struct{}),
	}
}

// Connect establishes the connection, re-registers event subscriptions and
// starts the liveness prober.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state == StateConnected {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	conn, err := l.dialAndSubscribe(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateDisconnected
		return err
	}
	if l.closed {
		conn.Close()
		return ErrClosed
	}

	l.conn = conn
	l.state = StateConnected
	l.markSuccess()

	l.loops.Do(func() {
		l.wg.Add(2)
		go l.prober()
		go l.sequencer()
	})

	l.log.Info("[Link] Connected to PBX", "addr", l.cfg.Addr)
	return nil
}

// dialAndSubscribe dials, subscribes to the event set and hooks the event
// listener. Returns a ready-to-use connection.
func (l *Link) dialAndSubscribe(ctx context.Context) (Conn, error) {
	var conn Conn
	dialed, err := l.cfg.Dialer(l.cfg.Addr, l.cfg.Password, func() {
		l.connLost(&conn)
	})
	if err != nil {
		return nil, &ConnectionError{Addr: l.cfg.Addr, Cause: err}
	}

	l.mu.Lock()
	conn = dialed
	l.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, l.cfg.ActionTimeout)
	defer cancel()

	sub := command.Event{Format: "plain", Listen: l.cfg.Events}
	if _, err := conn.SendCommand(subCtx, sub); err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: l.cfg.Addr, Cause: err}
	}

	l.mu.Lock()
	l.listenerID = conn.RegisterEventListener(eslgo.EventListenAll, l.forwardEvent)
	l.mu.Unlock()

	return conn, nil
}

// connLost handles the transport-level disconnect callback.
func (l *Link) connLost(which *Conn) {
	l.mu.Lock()
	stale := l.closed || l.conn == nil || (which != nil && *which != nil && l.conn != *which)
	l.mu.Unlock()
	if stale {
		return
	}

	l.log.Warn("[Link] Connection lost", "addr", l.cfg.Addr)
	l.scheduleReconnect()
}

// scheduleReconnect kicks off the background reconnect loop. No-op when a
// reconnect is already in flight.
func (l *Link) scheduleReconnect() {
	l.mu.Lock()
	if l.closed || l.reconnecting {
		l.mu.Unlock()
		return
	}
	l.reconnecting = true
	l.state = StateReconnecting
	old := l.conn
	l.conn = nil
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}

	l.wg.Add(1)
	go l.reconnectLoop()
}

// reconnectLoop retries with a fixed delay up to MaxReconnectAttempts,
// then gives up and marks the link Failed.
func (l *Link) reconnectLoop() {
	defer l.wg.Done()

	for attempt := 1; attempt <= l.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-l.stopCh:
			return
		case <-time.After(l.cfg.ReconnectDelay):
		}

		conn, err := l.dialAndSubscribe(context.Background())
		if err != nil {
			l.log.Warn("[Link] Reconnect attempt failed",
				"attempt", attempt,
				"max", l.cfg.MaxReconnectAttempts,
				"error", err,
			)
			continue
		}

		l.mu.Lock()
		if l.closed || l.conn != nil {
			// Closed, or someone else reconnected first.
			l.reconnecting = false
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.state = StateConnected
		l.reconnecting = false
		l.mu.Unlock()

		l.markSuccess()
		l.log.Info("[Link] Reconnected to PBX", "addr", l.cfg.Addr, "attempt", attempt)
		return
	}

	l.mu.Lock()
	l.state = StateFailed
	l.reconnecting = false
	l.mu.Unlock()

	l.log.Error("[Link] Reconnect attempts exhausted, link failed",
		"attempts", l.cfg.MaxReconnectAttempts,
	)
}

// SendAction sends one control command and awaits its acknowledgment. On a
// transport failure it performs exactly one reconnect-and-retry cycle; if
// the reconnect fails the link goes Failed and ErrLinkDown is returned.
// A command the PBX answered with -ERR comes back as an ActionError with
// the ack still populated.
func (l *Link) SendAction(ctx context.Context, a Action) (Ack, error) {
	l.mu.Lock()
	state, conn, closed := l.state, l.conn, l.closed
	l.mu.Unlock()

	if closed {
		return Ack{}, ErrClosed
	}
	if state == StateFailed {
		return Ack{}, ErrLinkDown
	}
	if conn == nil {
		return Ack{}, &ActionError{Action: a.Name, Cause: ErrNotConnected}
	}

	ack, err := l.send(ctx, conn, a)
	if err == nil {
		return l.checkAck(a, ack)
	}
	if ctx.Err() != nil {
		// The command may have reached the PBX; retrying could double-fire
		// an already-acknowledged originate.
		return Ack{}, &ActionError{Action: a.Name, Cause: err}
	}

	l.log.Warn("[Link] Action send failed, reconnecting once",
		"action", a.Name,
		"error", err,
	)

	conn, rerr := l.reconnectOnce(conn)
	if rerr != nil {
		if errors.Is(rerr, ErrClosed) || errors.Is(rerr, ErrNotConnected) {
			return Ack{}, &ActionError{Action: a.Name, Cause: rerr}
		}
		return Ack{}, ErrLinkDown
	}

	ack, err = l.send(ctx, conn, a)
	if err != nil {
		return Ack{}, &ActionError{Action: a.Name, Cause: err}
	}
	return l.checkAck(a, ack)
}

// checkAck converts a -ERR acknowledgment into an ActionError.
func (l *Link) checkAck(a Action, ack Ack) (Ack, error) {
	if ack.OK {
		return ack, nil
	}
	reply := ack.Reply
	if reply == "" {
		reply = ack.Body
	}
	return ack, &ActionError{Action: a.Name, Reply: reply}
}

// send issues the command on a specific connection.
func (l *Link) send(ctx context.Context, conn Conn, a Action) (Ack, error) {
	sendCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, l.cfg.ActionTimeout)
		defer cancel()
	}

	resp, err := conn.SendCommand(sendCtx, a.api())
	if err != nil {
		return Ack{}, err
	}

	reply := resp.GetHeader("Reply-Text")
	body := strings.TrimSpace(string(resp.Body))
	ack := Ack{
		Reply: reply,
		Body:  body,
		JobID: resp.GetHeader("Job-UUID"),
	}
	ack.OK = !strings.HasPrefix(reply, "-ERR") && !strings.HasPrefix(body, "-ERR")

	l.markSuccess()
	return ack, nil
}

// reconnectOnce performs the synchronous reconnect cycle used by SendAction.
// failed is the connection whose send just failed; it is never handed back.
func (l *Link) reconnectOnce(failed Conn) (Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if l.conn != nil && l.conn != failed {
		// A background reconnect already replaced the broken connection.
		conn := l.conn
		l.mu.Unlock()
		return conn, nil
	}
	if l.reconnecting {
		// The background loop owns the reconnect; don't dial a second
		// connection behind its back.
		l.mu.Unlock()
		return nil, ErrNotConnected
	}
	l.reconnecting = true
	l.state = StateReconnecting
	old := l.conn
	l.conn = nil
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}

	conn, err := l.dialAndSubscribe(context.Background())

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnecting = false
	if err != nil {
		l.state = StateFailed
		l.log.Error("[Link] Inline reconnect failed, link failed", "error", err)
		return nil, err
	}
	if l.closed {
		conn.Close()
		return nil, ErrClosed
	}
	if l.conn != nil {
		conn.Close()
		return l.conn, nil
	}
	l.conn = conn
	l.state = StateConnected
	l.markSuccess()
	return conn, nil
}

// prober sends a no-op probe when the link has been quiet for more than
// twice the probe interval. A failed probe schedules a reconnect without
// blocking callers already in flight.
func (l *Link) prober() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		state, conn := l.state, l.conn
		l.mu.Unlock()

		if state == StateFailed {
			// Periodic recovery attempt after exhaustion.
			l.scheduleReconnect()
			continue
		}
		if state != StateConnected || conn == nil {
			continue
		}
		if time.Since(l.lastSuccessTime()) < 2*l.cfg.PingInterval {
			continue
		}

		ack, err := l.send(context.Background(), conn, Ping())
		if err != nil || !ack.OK {
			l.log.Warn("[Link] Liveness probe failed", "error", err)
			l.scheduleReconnect()
		}
	}
}

// forwardEvent receives one PBX event. The socket library invokes every
// listener on its own goroutine, so arrival order here is not socket
// order; events carrying Event-Sequence go through the reorder stage,
// everything else is forwarded directly.
func (l *Link) forwardEvent(ev *eslgo.Event) {
	e := fromESL(ev)
	seq, err := strconv.ParseUint(e.Get(HeaderEventSequence), 10, 64)
	if err != nil {
		l.deliver(e)
		return
	}
	select {
	case l.raw <- seqEvent{seq: seq, ev: e, at: time.Now()}:
	default:
		l.log.Warn("[Link] Event buffer full, dropping event", "event", e.Name)
	}
}

// deliver pushes one event onto the consumer channel, dropping it if the
// consumer has fallen too far behind.
func (l *Link) deliver(e Event) {
	select {
	case l.events <- e:
	default:
		l.log.Warn("[Link] Event buffer full, dropping event", "event", e.Name)
	}
}

// sequencer holds sequenced events for a short window and releases them
// in Event-Sequence order, restoring the socket ordering that per-event
// listener goroutines lose.
func (l *Link) sequencer() {
	defer l.wg.Done()

	var pending []seqEvent // sorted by sequence
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case se := <-l.raw:
			pending = insertBySequence(pending, se)
		case <-timer.C:
		}

		now := time.Now()
		for len(pending) > 0 && now.Sub(pending[0].at) >= l.cfg.ReorderWindow {
			l.deliver(pending[0].ev)
			pending = pending[1:]
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if len(pending) > 0 {
			timer.Reset(l.cfg.ReorderWindow - now.Sub(pending[0].at))
		} else {
			timer.Reset(time.Hour)
		}
	}
}

// insertBySequence keeps the reorder buffer sorted. Inversions span a
// handful of events, so scanning from the tail is cheap.
func insertBySequence(pending []seqEvent, se seqEvent) []seqEvent {
	i := len(pending)
	for i > 0 && pending[i-1].seq > se.seq {
		i--
	}
	pending = append(pending, seqEvent{})
	copy(pending[i+1:], pending[i:])
	pending[i] = se
	return pending
}

func fromESL(ev *eslgo.Event) Event {
	headers := make(map[string]string, len(ev.Headers))
	for k := range ev.Headers {
		headers[k] = ev.GetHeader(k)
	}
	return NewEvent(ev.GetName(), strings.TrimSpace(string(ev.Body)), headers)
}

// Events returns the ordered event stream. The channel is never closed;
// consumers should select against their own stop signal.
func (l *Link) Events() <-chan Event {
	return l.events
}

// State returns the current link state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) markSuccess() {
	l.lastSuccess.Store(time.Now().UnixNano())
}

func (l *Link) lastSuccessTime() time.Time {
	return time.Unix(0, l.lastSuccess.Load())
}

// Close shuts the link down. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.state = StateDisconnected
	l.mu.Unlock()

	close(l.stopCh)
	if conn != nil {
		conn.Close()
	}
	l.wg.Wait()
	return nil
}
