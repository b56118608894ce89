// Package feed streams raw event occurrences from an external event
// daemon into the engine. The daemon owns the hardware; this client
// only subscribes, decodes and forwards.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/pro-utkarshM/axiom-ebpf/pkg/attach"
	"github.com/pro-utkarshM/axiom-ebpf/pkg/engine"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("feed client not connected")
	ErrAlreadyConnected = errors.New("feed client already connected")
	ErrClosed           = errors.New("feed client closed")
	ErrStreamClosed     = errors.New("feed stream closed")
	ErrMaxReconnects    = errors.New("max reconnection attempts reached")
)

// Sink consumes decoded events. *engine.Engine satisfies it; per-run
// results stay with the sink, the client only records delivery errors.
type Sink interface {
	Dispatch(ev attach.Event) ([]engine.Result, error)
}

// Client is a gRPC client subscribed to an event daemon.
//
// It manages the connection, decodes wire events into attach events and
// delivers them to the configured sink and the Events channel. The
// client reconnects on connection loss with exponential backoff.
type Client struct {
	config Config
	sink   Sink

	conn   *grpc.ClientConn
	stream *feedStream

	events chan attach.Event

	mu             sync.Mutex
	connected      atomic.Bool
	closed         atomic.Bool
	received       atomic.Uint64
	dropped        atomic.Uint64
	lastEvent      atomic.Int64 // unix nano
	reconnectCount atomic.Int32
	pingID         atomic.Int32
	cancelFunc     context.CancelFunc
	wg             sync.WaitGroup
	lastError      error
	lastErrorMu    sync.RWMutex

	ctx context.Context
}

// feedStream wraps a gRPC bidirectional stream for event subscriptions.
type feedStream struct {
	stream grpc.ClientStream
}

func (s *feedStream) Send(req *subscribeRequest) error {
	return s.stream.SendMsg(req)
}

func (s *feedStream) Recv() (*eventUpdate, error) {
	update := &eventUpdate{}
	if err := s.stream.RecvMsg(update); err != nil {
		return nil, err
	}
	return update, nil
}

func (s *feedStream) CloseSend() error {
	return s.stream.CloseSend()
}

// subscribeRequest selects which event sources the daemon should
// stream. Hand-rolled message; the daemon's proto definition is the
// source of truth for field numbers.
type subscribeRequest struct {
	Kinds []uint32     `protobuf:"varint,1,rep,name=kinds"`
	Ping  *pingRequest `protobuf:"bytes,2,opt,name=ping"`
}

func (x *subscribeRequest) Reset()         { *x = subscribeRequest{} }
func (x *subscribeRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (x *subscribeRequest) ProtoMessage()  {}

type pingRequest struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// eventUpdate carries one event occurrence. Exactly one of the variant
// fields is set, or Pong for keepalive responses.
type eventUpdate struct {
	Timestamp  uint64          `protobuf:"varint,1,opt,name=timestamp"`
	Timer      *timerWire      `protobuf:"bytes,2,opt,name=timer"`
	Syscall    *syscallWire    `protobuf:"bytes,3,opt,name=syscall"`
	Kprobe     *kprobeWire     `protobuf:"bytes,4,opt,name=kprobe"`
	Tracepoint *tracepointWire `protobuf:"bytes,5,opt,name=tracepoint"`
	Gpio       *gpioWire       `protobuf:"bytes,6,opt,name=gpio"`
	Pwm        *pwmWire        `protobuf:"bytes,7,opt,name=pwm"`
	Iio        *iioWire        `protobuf:"bytes,8,opt,name=iio"`
	Pong       *pongUpdate     `protobuf:"bytes,9,opt,name=pong"`
}

func (x *eventUpdate) Reset()         { *x = eventUpdate{} }
func (x *eventUpdate) String() string { return fmt.Sprintf("%+v", *x) }
func (x *eventUpdate) ProtoMessage()  {}

type timerWire struct {
	Expirations uint64 `protobuf:"varint,1,opt,name=expirations"`
}

type syscallWire struct {
	Nr    uint32   `protobuf:"varint,1,opt,name=nr"`
	Phase uint32   `protobuf:"varint,2,opt,name=phase"`
	Args  []uint64 `protobuf:"varint,3,rep,name=args"`
}

type kprobeWire struct {
	Symbol string `protobuf:"bytes,1,opt,name=symbol"`
	PC     uint64 `protobuf:"varint,2,opt,name=pc"`
	Phase  uint32 `protobuf:"varint,3,opt,name=phase"`
}

type tracepointWire struct {
	Category string `protobuf:"bytes,1,opt,name=category"`
	Name     string `protobuf:"bytes,2,opt,name=name"`
	ID       uint64 `protobuf:"varint,3,opt,name=id"`
}

type gpioWire struct {
	Chip  uint32 `protobuf:"varint,1,opt,name=chip"`
	Line  uint32 `protobuf:"varint,2,opt,name=line"`
	Edge  uint32 `protobuf:"varint,3,opt,name=edge"`
	Value uint32 `protobuf:"varint,4,opt,name=value"`
}

type pwmWire struct {
	Chip     uint32 `protobuf:"varint,1,opt,name=chip"`
	Channel  uint32 `protobuf:"varint,2,opt,name=channel"`
	PeriodNs uint32 `protobuf:"varint,3,opt,name=period_ns"`
	DutyNs   uint32 `protobuf:"varint,4,opt,name=duty_ns"`
	Polarity uint32 `protobuf:"varint,5,opt,name=polarity"`
	Enabled  uint32 `protobuf:"varint,6,opt,name=enabled"`
}

type iioWire struct {
	Device     uint32 `protobuf:"varint,1,opt,name=device"`
	Channel    uint32 `protobuf:"varint,2,opt,name=channel"`
	Value      int32  `protobuf:"varint,3,opt,name=value"`
	ScaleMicro uint32 `protobuf:"varint,4,opt,name=scale_micro"`
	Offset     int32  `protobuf:"varint,5,opt,name=offset"`
}

type pongUpdate struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// NewClient creates a feed client. The sink may be nil, in which case
// events are only delivered through the Events channel. The client is
// not connected until Connect is called.
func NewClient(config Config, sink Sink) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		sink:   sink,
		events: make(chan attach.Event, config.EventChannelSize),
	}, nil
}

// Connect establishes the gRPC connection and starts the subscription.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.ctx = ctx

	if err := c.connect(ctx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(2)
	go c.receiveLoop()
	go c.pingLoop()

	c.connected.Store(true)
	c.lastEvent.Store(time.Now().UnixNano())

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	//nolint:staticcheck // Dial keeps compatibility with older gRPC versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial gRPC: %w", err)
	}
	c.conn = conn

	streamDesc := &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ServerStreams: true,
		ClientStreams: true,
	}
	stream, err := conn.NewStream(ctx, streamDesc, "/axiom.EventFeed/Subscribe")
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}
	c.stream = &feedStream{stream: stream}

	if err := c.sendSubscribeRequest(); err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (c *Client) sendSubscribeRequest() error {
	req := &subscribeRequest{}
	for _, k := range c.config.Kinds {
		req.Kinds = append(req.Kinds, uint32(k))
	}
	return c.stream.Send(req)
}

// receiveLoop continuously receives updates from the gRPC stream.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		update, err := c.stream.Recv()
		if err != nil {
			if err == io.EOF {
				c.setLastError(ErrStreamClosed)
				c.handleDisconnect(ErrStreamClosed)
				return
			}
			if c.ctx.Err() != nil {
				return
			}
			c.setLastError(err)
			c.handleDisconnect(err)
			return
		}

		c.lastEvent.Store(time.Now().UnixNano())
		c.processUpdate(update)
	}
}

// processUpdate decodes one wire update and delivers the event.
func (c *Client) processUpdate(update *eventUpdate) {
	if update == nil {
		return
	}
	if update.Pong != nil {
		return
	}
	ev, ok := decodeEvent(update)
	if !ok {
		return
	}
	c.received.Add(1)

	if c.config.OnEvent != nil {
		c.config.OnEvent(ev)
	}
	if c.sink != nil {
		if _, err := c.sink.Dispatch(ev); err != nil {
			c.setLastError(err)
		}
	}

	// non-blocking channel delivery, dropping the oldest when full
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
			c.dropped.Add(1)
		default:
		}
		c.events <- ev
	}
}

// decodeEvent converts a wire update into its attach event. Updates
// with no variant set decode to nothing.
func decodeEvent(u *eventUpdate) (attach.Event, bool) {
	switch {
	case u.Timer != nil:
		return attach.TimerEvent{
			Timestamp:   u.Timestamp,
			Expirations: u.Timer.Expirations,
		}, true
	case u.Syscall != nil:
		ev := attach.SyscallEvent{
			Timestamp: u.Timestamp,
			Nr:        u.Syscall.Nr,
			Phase:     attach.Phase(u.Syscall.Phase),
		}
		copy(ev.Args[:], u.Syscall.Args)
		return ev, true
	case u.Kprobe != nil:
		return attach.KprobeEvent{
			Timestamp: u.Timestamp,
			Symbol:    u.Kprobe.Symbol,
			PC:        u.Kprobe.PC,
			Phase:     attach.Phase(u.Kprobe.Phase),
		}, true
	case u.Tracepoint != nil:
		return attach.TracepointEvent{
			Timestamp: u.Timestamp,
			Category:  u.Tracepoint.Category,
			Name:      u.Tracepoint.Name,
			ID:        u.Tracepoint.ID,
		}, true
	case u.Gpio != nil:
		return attach.GPIOEvent{
			Timestamp: u.Timestamp,
			Chip:      u.Gpio.Chip,
			Line:      u.Gpio.Line,
			Edge:      attach.Edge(u.Gpio.Edge),
			Value:     u.Gpio.Value,
		}, true
	case u.Pwm != nil:
		return attach.PWMEvent{
			Timestamp: u.Timestamp,
			Chip:      u.Pwm.Chip,
			Channel:   u.Pwm.Channel,
			PeriodNs:  u.Pwm.PeriodNs,
			DutyNs:    u.Pwm.DutyNs,
			Polarity:  u.Pwm.Polarity,
			Enabled:   u.Pwm.Enabled,
		}, true
	case u.Iio != nil:
		return attach.IIOEvent{
			Timestamp:  u.Timestamp,
			Device:     u.Iio.Device,
			Channel:    u.Iio.Channel,
			Value:      u.Iio.Value,
			ScaleMicro: u.Iio.ScaleMicro,
			Offset:     u.Iio.Offset,
		}, true
	}
	return nil, false
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}
			id := c.pingID.Add(1)
			req := &subscribeRequest{Ping: &pingRequest{ID: id}}
			if err := c.stream.Send(req); err != nil {
				c.setLastError(err)
			}
		}
	}
}

// handleDisconnect tears down the current connection and optionally
// starts reconnection.
func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}
	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if !c.closed.Load() {
		go c.reconnect()
	}
}

// reconnect attempts to reconnect with exponential backoff.
func (c *Client) reconnect() {
	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for !c.closed.Load() {
		attempt++
		c.reconnectCount.Add(1)

		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			c.setLastError(ErrMaxReconnects)
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelFunc = cancel
		c.ctx = ctx
		c.mu.Unlock()

		if err := c.connect(ctx); err != nil {
			c.setLastError(err)
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
			continue
		}

		c.connected.Store(true)
		c.lastEvent.Store(time.Now().UnixNano())

		c.wg.Add(2)
		go c.receiveLoop()
		go c.pingLoop()

		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempt)
		}
		return
	}
}

// Events returns the channel carrying decoded events.
func (c *Client) Events() <-chan attach.Event {
	return c.events
}

// Health is a snapshot of the client's liveness counters.
type Health struct {
	Connected      bool
	Received       uint64
	Dropped        uint64
	LastEvent      time.Time
	ReconnectCount int
	LastError      error
}

// Health returns the current health status of the client.
func (c *Client) Health() Health {
	return Health{
		Connected:      c.connected.Load(),
		Received:       c.received.Load(),
		Dropped:        c.dropped.Load(),
		LastEvent:      time.Unix(0, c.lastEvent.Load()),
		ReconnectCount: int(c.reconnectCount.Load()),
		LastError:      c.getLastError(),
	}
}

// Close shuts the client down and releases all resources. Calling it
// twice returns ErrClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()

	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.events)
	return nil
}

func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
