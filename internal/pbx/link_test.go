package pbx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/textproto"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/percipia/eslgo"
	"github.com/percipia/eslgo/command"
)

func okResponse(headers map[string]string, body string) *eslgo.RawResponse {
	mime := make(textproto.MIMEHeader)
	mime.Set("Reply-Text", "+OK")
	for k, v := range headers {
		mime.Set(k, v)
	}
	return &eslgo.RawResponse{Headers: mime, Body: []byte(body)}
}

func errResponse(reply string) *eslgo.RawResponse {
	mime := make(textproto.MIMEHeader)
	mime.Set("Reply-Text", reply)
	return &eslgo.RawResponse{Headers: mime}
}

type fakeConn struct {
	mu       sync.Mutex
	respond  func(cmd command.Command) (*eslgo.RawResponse, error)
	commands []command.Command
	listener eslgo.EventListener
	closed   bool
}

func (c *fakeConn) SendCommand(ctx context.Context, cmd command.Command) (*eslgo.RawResponse, error) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		return respond(cmd)
	}
	return okResponse(nil, ""), nil
}

func (c *fakeConn) RegisterEventListener(channelUUID string, listener eslgo.EventListener) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = listener
	return "listener-1"
}

func (c *fakeConn) RemoveEventListener(channelUUID string, id string) {}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) emit(ev *eslgo.Event) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener(ev)
	}
}

func (c *fakeConn) sawSubscription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range c.commands {
		if _, ok := cmd.(command.Event); ok {
			return true
		}
	}
	return false
}

// fakeDialer hands out queued connections, failing once the queue runs dry.
// When gate is set, every dial after the first blocks until the gate closes.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	gate  chan struct{}
}

func (d *fakeDialer) dial(addr, password string, onDisconnect func()) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	gate := d.gate
	var conn *fakeConn
	if len(d.conns) > 0 {
		conn = d.conns[0]
		d.conns = d.conns[1:]
	}
	d.mu.Unlock()

	if gate != nil && n > 1 {
		<-gate
	}
	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestLink(dialer *fakeDialer) *Link {
	return NewLink(Config{
		Addr:                 "127.0.0.1:8021",
		Password:             "ClueCon",
		PingInterval:         time.Hour, // keep the prober quiet during tests
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 2,
		ActionTimeout:        time.Second,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer:               dialer.dial,
	})
}

func TestConnectSubscribes(t *testing.T) {
	conn := &fakeConn{}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := l.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
	if !conn.sawSubscription() {
		t.Error("no event subscription sent on connect")
	}
}

func TestConnectDialFailure(t *testing.T) {
	dialer := &fakeDialer{}
	l := newTestLink(dialer)
	defer l.Close()

	err := l.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded with no reachable PBX")
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error type = %T, want *ConnectionError", err)
	}
	if got := l.State(); got != StateDisconnected {
		t.Errorf("state = %v, want %v", got, StateDisconnected)
	}
}

func TestSendActionBeforeConnect(t *testing.T) {
	l := newTestLink(&fakeDialer{})
	defer l.Close()

	_, err := l.SendAction(context.Background(), Ping())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestSendActionBackgroundJob(t *testing.T) {
	conn := &fakeConn{}
	conn.respond = func(cmd command.Command) (*eslgo.RawResponse, error) {
		if api, ok := cmd.(command.API); ok && api.Background {
			return okResponse(map[string]string{"Job-UUID": "job-42"}, "+OK Job-UUID: job-42"), nil
		}
		return okResponse(nil, ""), nil
	}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ack, err := l.SendAction(context.Background(), Originate(OriginateRequest{
		CallUUID: "uuid-1",
		Phone:    "998901112233",
		Gateway:  "gw",
	}))
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if !ack.OK || ack.JobID != "job-42" {
		t.Errorf("ack = %+v, want OK with job-42", ack)
	}
}

func TestSendActionErrReply(t *testing.T) {
	conn := &fakeConn{}
	subscribed := false
	conn.respond = func(cmd command.Command) (*eslgo.RawResponse, error) {
		if !subscribed {
			subscribed = true
			return okResponse(nil, ""), nil
		}
		return errResponse("-ERR USER_NOT_REGISTERED"), nil
	}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ack, err := l.SendAction(context.Background(), Transfer("uuid-1", "100", ""))
	if err == nil {
		t.Fatal("SendAction succeeded on -ERR reply")
	}
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("error type = %T, want *ActionError", err)
	}
	if ack.OK {
		t.Error("ack marked OK on -ERR reply")
	}
	if actionErr.Reply != "-ERR USER_NOT_REGISTERED" {
		t.Errorf("reply = %q", actionErr.Reply)
	}
	// A refused command is not a transport failure; no reconnect happens.
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
}

func TestSendActionRetriesOnceAfterTransportFailure(t *testing.T) {
	broken := &fakeConn{}
	subscribedBroken := false
	broken.respond = func(cmd command.Command) (*eslgo.RawResponse, error) {
		if !subscribedBroken {
			subscribedBroken = true
			return okResponse(nil, ""), nil
		}
		return nil, errors.New("write: broken pipe")
	}
	healthy := &fakeConn{}
	dialer := &fakeDialer{conns: []*fakeConn{broken, healthy}}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ack, err := l.SendAction(context.Background(), Ping())
	if err != nil {
		t.Fatalf("SendAction after reconnect: %v", err)
	}
	if !ack.OK {
		t.Errorf("ack = %+v, want OK", ack)
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2 (initial + one reconnect)", dialer.dialCount())
	}
	if got := l.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
}

func TestSendActionFailsFastAfterReconnectFailure(t *testing.T) {
	broken := &fakeConn{}
	subscribed := false
	broken.respond = func(cmd command.Command) (*eslgo.RawResponse, error) {
		if !subscribed {
			subscribed = true
			return okResponse(nil, ""), nil
		}
		return nil, errors.New("write: broken pipe")
	}
	dialer := &fakeDialer{conns: []*fakeConn{broken}}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := l.SendAction(context.Background(), Ping()); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("error = %v, want ErrLinkDown", err)
	}
	if got := l.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}

	// Subsequent sends fail fast without touching the dialer again.
	before := dialer.dialCount()
	if _, err := l.SendAction(context.Background(), Ping()); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("error = %v, want ErrLinkDown", err)
	}
	if dialer.dialCount() != before {
		t.Error("fail-fast send dialed the PBX")
	}
}

func TestSendActionAfterClose(t *testing.T) {
	conn := &fakeConn{}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(dialer)

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	l.Close()

	if _, err := l.SendAction(context.Background(), Ping()); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	if !conn.closed {
		t.Error("underlying connection not closed")
	}
}

func TestEventForwarding(t *testing.T) {
	conn := &fakeConn{}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mime := make(textproto.MIMEHeader)
	mime.Set("Event-Name", EventDTMF)
	mime.Set("Unique-ID", "uuid-1")
	mime.Set("DTMF-Digit", "3")
	conn.emit(&eslgo.Event{Headers: mime})

	select {
	case ev := <-l.Events():
		if ev.Name != EventDTMF {
			t.Errorf("event name = %q, want %q", ev.Name, EventDTMF)
		}
		if got := ev.Get(HeaderDTMFDigit); got != "3" {
			t.Errorf("digit = %q, want 3", got)
		}
		if got := ev.Get("unique-id"); got != "uuid-1" {
			t.Errorf("case-insensitive lookup failed, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event never forwarded")
	}
}

func TestEventsReleasedInSequenceOrder(t *testing.T) {
	conn := &fakeConn{}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := NewLink(Config{
		Addr:          "127.0.0.1:8021",
		PingInterval:  time.Hour,
		ReorderWindow: 50 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer:        dialer.dial,
	})
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The socket library invokes the listener on a fresh goroutine per
	// event, so sequenced events land here in arbitrary order.
	const total = 40
	var wg sync.WaitGroup
	for i := total; i >= 1; i-- {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			mime := make(textproto.MIMEHeader)
			mime.Set("Event-Name", EventDTMF)
			mime.Set("Event-Sequence", strconv.Itoa(seq))
			mime.Set("DTMF-Digit", strconv.Itoa(seq%10))
			conn.emit(&eslgo.Event{Headers: mime})
		}(i)
	}
	wg.Wait()

	last := uint64(0)
	for i := 0; i < total; i++ {
		select {
		case ev := <-l.Events():
			seq, err := strconv.ParseUint(ev.Get(HeaderEventSequence), 10, 64)
			if err != nil {
				t.Fatalf("bad sequence header on %+v: %v", ev, err)
			}
			if seq <= last {
				t.Fatalf("sequence %d released after %d", seq, last)
			}
			last = seq
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d events released", i, total)
		}
	}
}

func TestInlineReconnectSingleFlight(t *testing.T) {
	broken := &fakeConn{}
	subscribed := false
	broken.respond = func(cmd command.Command) (*eslgo.RawResponse, error) {
		if !subscribed {
			subscribed = true
			return okResponse(nil, ""), nil
		}
		return nil, errors.New("write: broken pipe")
	}
	healthy := &fakeConn{}
	gate := make(chan struct{})
	dialer := &fakeDialer{conns: []*fakeConn{broken, healthy}, gate: gate}
	l := newTestLink(dialer)
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.SendAction(context.Background(), Ping())
		done <- err
	}()

	// Wait for the inline reconnect to reach the dialer.
	deadline := time.Now().Add(time.Second)
	for dialer.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("inline reconnect never dialed")
		}
		time.Sleep(time.Millisecond)
	}

	// A transport-loss notification while the inline reconnect is dialing
	// must not start a second one.
	l.scheduleReconnect()

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("SendAction after reconnect: %v", err)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2 (one reconnect in flight)", got)
	}
	if got := l.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
}

func TestEventBufferOverflowDrops(t *testing.T) {
	conn := &fakeConn{}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := NewLink(Config{
		Addr:         "127.0.0.1:8021",
		PingInterval: time.Hour,
		EventBuffer:  2,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer:       dialer.dial,
	})
	defer l.Close()

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mime := make(textproto.MIMEHeader)
	mime.Set("Event-Name", EventDTMF)
	for i := 0; i < 5; i++ {
		conn.emit(&eslgo.Event{Headers: mime})
	}

	// The forwarder must not block; only the buffered events survive.
	received := 0
	for {
		select {
		case <-l.Events():
			received++
		default:
			if received != 2 {
				t.Errorf("received %d events, want 2", received)
			}
			return
		}
	}
}
