package desk

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/device"
	"github.com/srg/desklink/internal/groutine"
	"github.com/srg/desklink/internal/peripheral"
	"github.com/srg/desklink/internal/timeutil"
)

const (
	DefaultRetryBackoff = 5 * time.Second
	DefaultSettleDelay  = 800 * time.Millisecond
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMoveTimeout  = 60 * time.Second
)

// Peripheral is the blocking BLE surface the controller drives.
// *peripheral.Bridge implements it.
type Peripheral interface {
	Run(ctx context.Context)
	Radio() device.RadioState
	Session() uint64
	Bind(id string)

	OnRadioState(h peripheral.RadioHandler)
	OnDiscovered(h peripheral.DiscoveryHandler)
	OnDisconnected(h peripheral.DisconnectHandler)
	OnValueUpdated(h peripheral.UpdateHandler)

	FindPeripheral() error
	StopScan()
	Connect(ctx context.Context) error
	Disconnect()

	DiscoverServices(ctx context.Context, filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(ctx context.Context, filter []ble.UUID, svc *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(ctx context.Context, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadValue(ctx context.Context, c *ble.Characteristic) ([]byte, error)
	WriteValue(ctx context.Context, data []byte, c *ble.Characteristic) error
	SetNotifyValue(ctx context.Context, enabled bool, c *ble.Characteristic) error
}

var _ Peripheral = (*peripheral.Bridge)(nil)

// Options configures a Controller. Zero durations fall back to the defaults,
// except MoveTimeout where zero disables the cap.
type Options struct {
	// Identity is the bound peripheral ID; empty means discover by scanning
	Identity string

	PositionOffset float64
	MinPosition    float64
	MaxPosition    float64

	RetryBackoff time.Duration
	SettleDelay  time.Duration
	PollInterval time.Duration
	MoveTimeout  time.Duration

	// Store receives the identity after the first successful connection
	Store IdentityStore
}

// DefaultOptions returns the factory settings for a Linak desk
func DefaultOptions() Options {
	return Options{
		PositionOffset: DefaultPositionOffset,
		MinPosition:    DefaultMinPosition,
		MaxPosition:    DefaultMaxPosition,
		RetryBackoff:   DefaultRetryBackoff,
		SettleDelay:    DefaultSettleDelay,
		PollInterval:   DefaultPollInterval,
		MoveTimeout:    DefaultMoveTimeout,
	}
}

// connection is the live session: identity, bridge session and the three
// characteristic handles. It exists only while Ready.
type connection struct {
	identity string
	session  uint64
	position *ble.Characteristic
	command  *ble.Characteristic
	moveTo   *ble.Characteristic
}

type signalKind int

const (
	sigRadio signalKind = iota
	sigDiscovered
	sigDisconnected
	sigRetry
)

type signal struct {
	kind       signalKind
	radio      device.RadioState
	peripheral device.Peripheral
	session    uint64
	err        error
}

// Controller owns the desk connection lifecycle and the move protocol.
// Lifecycle transitions run on one worker goroutine; commands may be issued
// from any goroutine and are serialized among themselves.
type Controller struct {
	bridge Peripheral
	codec  Codec
	opts   Options
	logger *logrus.Logger

	signals *queue[signal]
	events  *dispatcher
	retry   *timeutil.RetryTimer
	group   groutine.Group

	mu       sync.Mutex
	runCtx   context.Context
	state    ConnectionState
	identity string
	conn     *connection
	last     State
	hasLast  bool
	move     *moveTask
	closing  bool

	// cmdMu serializes Move and Stop
	cmdMu sync.Mutex
}

// New creates a Controller over bridge
func New(bridge Peripheral, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MinPosition == 0 && opts.MaxPosition == 0 {
		opts.MinPosition, opts.MaxPosition = def.MinPosition, def.MaxPosition
	}

	c := &Controller{
		bridge:   bridge,
		codec:    NewCodec(opts.PositionOffset),
		opts:     opts,
		logger:   logger,
		signals:  newQueue[signal](),
		events:   newDispatcher(),
		state:    StatePoweredOff,
		identity: opts.Identity,
	}
	c.retry = timeutil.NewRetryTimer(opts.RetryBackoff, func() {
		c.signals.push(signal{kind: sigRetry})
	})
	if opts.Identity != "" {
		bridge.Bind(opts.Identity)
	}
	return c
}

// Subscribe registers a listener. Listeners added after Run still receive
// subsequent events.
func (c *Controller) Subscribe(l Listener) {
	c.events.subscribe(l)
}

// State returns the lifecycle state
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the last decoded desk state while connected
func (c *Controller) Current() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.hasLast {
		return State{}, false
	}
	return c.last, true
}

// Limits returns the accepted move range
func (c *Controller) Limits() (float64, float64) {
	return c.opts.MinPosition, c.opts.MaxPosition
}

// Identity returns the bound peripheral identity
func (c *Controller) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Retries returns how many backoff retries have fired so far
func (c *Controller) Retries() uint64 {
	return c.retry.Fired()
}

// Run drives the lifecycle until ctx is done. On return the connection is
// closed, any move has ended and every queued event has been delivered.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	c.bridge.OnRadioState(func(state device.RadioState) {
		c.signals.push(signal{kind: sigRadio, radio: state})
	})
	c.bridge.OnDiscovered(func(p device.Peripheral) {
		c.signals.push(signal{kind: sigDiscovered, peripheral: p})
	})
	c.bridge.OnDisconnected(func(session uint64, err error) {
		c.signals.push(signal{kind: sigDisconnected, session: session, err: err})
	})
	c.bridge.OnValueUpdated(c.onValue)

	pumpCtx, stopPump := context.WithCancel(context.WithoutCancel(ctx))
	var pump groutine.Group
	pump.Go(pumpCtx, "ble-event-pump", c.bridge.Run)

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	var dispatch groutine.Group
	dispatch.Go(dispatchCtx, "desk-events", c.events.run)

	c.signals.push(signal{kind: sigRadio, radio: c.bridge.Radio()})

	c.logger.Debug("Desk controller started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			stopPump()
			pump.Wait()
			stopDispatch()
			dispatch.Wait()
			c.events.flush()
			c.logger.Debug("Desk controller stopped")
			return nil
		case <-c.signals.ready:
			for _, s := range c.signals.drain() {
				if ctx.Err() != nil {
					break
				}
				c.handle(ctx, s)
			}
		}
	}
}

func (c *Controller) handle(ctx context.Context, s signal) {
	switch s.kind {
	case sigRadio:
		c.handleRadio(s.radio)
	case sigDiscovered:
		c.handleDiscovered(ctx, s.peripheral)
	case sigDisconnected:
		c.handleDisconnected(s.session, s.err)
	case sigRetry:
		c.handleRetry(ctx)
	}
}

func (c *Controller) handleRadio(radio device.RadioState) {
	if radio != device.RadioPoweredOn {
		c.retry.Cancel()
		if c.teardown(StatePoweredOff) {
			c.logger.WithField("radio", radio.String()).Warn("Bluetooth radio is not powered on, desk connection dropped")
		} else {
			c.setState(StatePoweredOff)
		}
		return
	}
	if c.State() != StatePoweredOff {
		return
	}
	c.setState(StateIdle)
	c.find()
}

func (c *Controller) handleDiscovered(ctx context.Context, p device.Peripheral) {
	if c.State() != StateScanning {
		c.logger.WithField("id", p.ID).Debug("Ignoring discovery outside of a scan")
		return
	}
	c.setState(StateDiscovered)

	if err := c.establish(ctx, p); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.WithFields(logrus.Fields{
			"id":    p.ID,
			"error": err,
		}).Warn("Desk connection attempt failed, retrying")
		c.bridge.Disconnect()
		c.setState(StateDisconnected)
		c.scheduleRetry()
	}
}

func (c *Controller) handleDisconnected(session uint64, cause error) {
	c.mu.Lock()
	current := c.state == StateReady && c.conn != nil && c.conn.session == session
	c.mu.Unlock()
	if !current {
		c.logger.WithField("session", session).Debug("Ignoring disconnect of a stale session")
		return
	}

	c.teardown(StateDisconnected)
	c.logger.WithFields(logrus.Fields{
		"session": session,
		"error":   cause,
	}).Warn("Desk disconnected, retrying")
	c.scheduleRetry()
}

func (c *Controller) handleRetry(ctx context.Context) {
	switch c.State() {
	case StateIdle, StateDisconnected:
	default:
		return
	}
	if c.bridge.Radio() != device.RadioPoweredOn {
		c.setState(StatePoweredOff)
		return
	}
	c.logger.Debug("Retrying desk connection")
	c.find()
}

// find starts the lookup; discovery arrives as a signal
func (c *Controller) find() {
	c.setState(StateScanning)
	if err := c.bridge.FindPeripheral(); err != nil {
		c.logger.WithField("error", err).Warn("Cannot look for desk, retrying")
		c.setState(StateIdle)
		c.scheduleRetry()
	}
}

// establish runs connect, discovery, initial read and subscription
func (c *Controller) establish(ctx context.Context, p device.Peripheral) error {
	c.setState(StateConnecting)
	c.logger.WithFields(logrus.Fields{
		"id":   p.ID,
		"name": p.Name,
	}).Info("Connecting to desk")

	if err := c.bridge.Connect(ctx); err != nil {
		return err
	}
	session := c.bridge.Session()

	c.setState(StateDiscoveringServices)
	services, err := c.bridge.DiscoverServices(ctx, requiredServices())
	if err != nil {
		return err
	}

	handles := make(map[string]*ble.Characteristic, len(requirements))
	for _, r := range requirements {
		svc := device.FindService(services, r.service)
		if svc == nil {
			return &device.NotFoundError{Resource: "service", UUIDs: []string{r.service.String()}}
		}
		chars, err := c.bridge.DiscoverCharacteristics(ctx, []ble.UUID{r.char}, svc)
		if err != nil {
			return err
		}
		ch := device.FindCharacteristic(chars, r.char)
		if ch == nil {
			return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{r.service.String(), r.char.String()}}
		}
		handles[r.name] = ch
	}

	conn := &connection{
		identity: p.ID,
		session:  session,
		position: handles["position"],
		command:  handles["command"],
		moveTo:   handles["move-to"],
	}

	if _, err := c.bridge.DiscoverDescriptors(ctx, conn.position); err != nil {
		return err
	}

	raw, err := c.bridge.ReadValue(ctx, conn.position)
	if err != nil {
		return err
	}
	first, err := c.codec.Decode(raw)
	if err != nil {
		return err
	}
	first.Identity = conn.identity

	if err := c.bridge.SetNotifyValue(ctx, true, conn.position); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.last = first
	c.hasLast = true
	c.state = StateReady
	bound := c.identity
	c.identity = conn.identity
	c.events.publish(Event{Kind: EventConnected, State: first})
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"id":       conn.identity,
		"session":  session,
		"position": first.Position,
	}).Info("Desk ready")

	if bound != conn.identity {
		c.bridge.Bind(conn.identity)
		if c.opts.Store != nil {
			if err := c.opts.Store.Save(conn.identity); err != nil {
				c.logger.WithField("error", err).Warn("Failed to persist desk identity")
			}
		}
	}
	return nil
}

// teardown drops the connection and the move task, entering next. It
// reports whether a Ready connection was torn down.
func (c *Controller) teardown(next ConnectionState) bool {
	c.mu.Lock()
	wasReady := c.state == StateReady && c.conn != nil
	last := c.last
	task := c.move
	c.conn = nil
	c.hasLast = false
	c.state = next
	if wasReady {
		c.events.publish(Event{Kind: EventDisconnected, State: last})
	}
	c.mu.Unlock()

	if task != nil {
		task.cancel(errConnectionLost)
	}
	return wasReady
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.retry.Stop()
	c.teardown(StateDisconnected)
	c.bridge.Disconnect()
	c.group.Wait()
}

func (c *Controller) scheduleRetry() {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	if c.retry.Arm() {
		c.logger.WithField("backoff", c.opts.RetryBackoff).Debug("Retry scheduled")
	}
}

func (c *Controller) setState(s ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("Desk state transition")
	}
}

// onValue handles unsolicited position notifications from the bridge pump
func (c *Controller) onValue(ch *ble.Characteristic, value []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || ch != conn.position {
		return
	}
	if _, err := c.apply(conn, value); err != nil {
		c.logger.WithField("error", err).Warn("Ignoring malformed position notification")
	}
}

// apply decodes a position payload, publishes it when it changed and detects
// a manual stop of an active move.
func (c *Controller) apply(conn *connection, value []byte) (State, error) {
	st, err := c.codec.Decode(value)
	if err != nil {
		return State{}, err
	}
	st.Identity = conn.identity

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return st, nil
	}
	prev := c.last
	if !c.hasLast || st != prev {
		c.events.publish(Event{Kind: EventStateChanged, State: st})
	}
	c.last = st
	c.hasLast = true
	task := c.move
	c.mu.Unlock()

	if task != nil && prev.Moving() && !st.Moving() && st.RawPosition != task.target {
		c.logger.WithFields(logrus.Fields{
			"move":     task.id.String(),
			"position": st.Position,
		}).Info("Desk stopped outside of a command, cancelling move")
		task.cancel(errManualOverride)
	}
	return st, nil
}

// ready returns the live connection or NotConnected
func (c *Controller) ready() (*connection, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.conn == nil {
		return nil, nil, device.NewError(device.KindNotConnected, nil, "desk is %s", c.state)
	}
	return c.conn, c.runCtx, nil
}

func (c *Controller) validTarget(position float64) bool {
	if math.IsNaN(position) || math.IsInf(position, 0) {
		return false
	}
	return position >= c.opts.MinPosition && position <= c.opts.MaxPosition
}

// commandError maps bridge failures during a command to the caller-facing taxonomy
func commandError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, device.ErrDisconnected) || errors.Is(err, device.ErrNotConnected) || errors.Is(err, device.ErrCancelled) {
		return device.NewError(device.KindNotConnected, err, "connection lost")
	}
	return err
}
