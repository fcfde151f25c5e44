package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/device"
)

// RadioHandler is called for every radio power transition
type RadioHandler func(state device.RadioState)

// DiscoveryHandler is called once per FindPeripheral with the matched peripheral
type DiscoveryHandler func(p device.Peripheral)

// DisconnectHandler is called when an established connection drops. Session
// identifies the connection that ended so stale notifications can be ignored.
type DisconnectHandler func(session uint64, err error)

// UpdateHandler receives unsolicited characteristic value notifications
type UpdateHandler func(c *ble.Characteristic, value []byte)

// Options configures a Bridge
type Options struct {
	// Identity is a previously bound peripheral ID. When set, FindPeripheral
	// retrieves it directly before falling back to scanning.
	Identity string
	// Service is the advertised service UUID used as the scan signature.
	Service ble.UUID
}

// Bridge turns the event-driven device.Central into blocking calls, one
// request-response pair at a time per operation category. It owns a single
// event pump; callers may invoke its methods from any goroutine.
type Bridge struct {
	central device.Central
	logger  *logrus.Logger
	service ble.UUID

	mu        sync.Mutex
	identity  string
	target    *device.Peripheral
	scanning  bool
	connected bool
	session   uint64
	nextTag   device.Tag
	pending   map[category]*pending

	onRadio      RadioHandler
	onDiscovered DiscoveryHandler
	onDisconnect DisconnectHandler
	onUpdate     UpdateHandler
}

// New creates a Bridge over central. Run must be started before any blocking call is made.
func New(central device.Central, opts Options, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		central:  central,
		logger:   logger,
		service:  opts.Service,
		identity: opts.Identity,
		pending:  make(map[category]*pending),
	}
}

// OnRadioState registers the radio state handler
func (b *Bridge) OnRadioState(h RadioHandler) {
	b.mu.Lock()
	b.onRadio = h
	b.mu.Unlock()
}

// OnDiscovered registers the discovery handler
func (b *Bridge) OnDiscovered(h DiscoveryHandler) {
	b.mu.Lock()
	b.onDiscovered = h
	b.mu.Unlock()
}

// OnDisconnected registers the disconnect handler
func (b *Bridge) OnDisconnected(h DisconnectHandler) {
	b.mu.Lock()
	b.onDisconnect = h
	b.mu.Unlock()
}

// OnValueUpdated registers the handler for unsolicited value notifications
func (b *Bridge) OnValueUpdated(h UpdateHandler) {
	b.mu.Lock()
	b.onUpdate = h
	b.mu.Unlock()
}

// Radio returns the current radio state
func (b *Bridge) Radio() device.RadioState {
	return b.central.State()
}

// Connected reports whether a connection is established
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Session returns the number of the current (or most recent) connection
func (b *Bridge) Session() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Identity returns the bound peripheral ID, or "" when unbound
func (b *Bridge) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// Target returns the peripheral selected by the last successful FindPeripheral
func (b *Bridge) Target() (device.Peripheral, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target == nil {
		return device.Peripheral{}, false
	}
	return *b.target, true
}

// Bind records the peripheral identity that FindPeripheral should retrieve
func (b *Bridge) Bind(id string) {
	b.mu.Lock()
	b.identity = id
	b.mu.Unlock()
}

// Run pumps Central events until ctx is cancelled or the event stream closes.
// Outstanding operations are failed on exit.
func (b *Bridge) Run(ctx context.Context) {
	events := b.central.Events()
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.failAllLocked(device.NewError(device.KindCancelled, ctx.Err(), "bridge stopped"))
			b.mu.Unlock()
			return
		case ev, ok := <-events:
			if !ok {
				b.mu.Lock()
				b.connected = false
				b.failAllLocked(device.NewError(device.KindDisconnected, nil, "central closed"))
				b.mu.Unlock()
				return
			}
			b.dispatch(ev)
		}
	}
}

// FindPeripheral locates the desk: a bound identity is retrieved directly and
// reported synchronously, otherwise a filtered scan is started and the first
// match is reported through the discovery handler.
func (b *Bridge) FindPeripheral() error {
	if state := b.central.State(); state != device.RadioPoweredOn {
		return device.NewError(device.KindRadioNotReady, nil, "radio is %s", state)
	}

	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		return device.NewError(device.KindRadioNotReady, nil, "scan already in progress")
	}
	identity := b.identity
	b.mu.Unlock()

	if identity != "" {
		if p, ok := b.central.Retrieve(identity); ok {
			b.mu.Lock()
			b.target = &p
			h := b.onDiscovered
			b.mu.Unlock()

			b.logger.WithFields(logrus.Fields{
				"id":   p.ID,
				"name": p.Name,
			}).Debug("Retrieved bound peripheral")

			if h != nil {
				h(p)
			}
			return nil
		}
		b.logger.WithField("id", identity).Info("Bound peripheral not retrievable, scanning")
	}

	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()

	if err := b.central.Scan(b.service); err != nil {
		b.mu.Lock()
		b.scanning = false
		b.mu.Unlock()
		return device.NewError(device.KindRadioNotReady, err, "start scan")
	}
	b.logger.WithField("service", b.service.String()).Debug("Scanning for peripheral")
	return nil
}

// StopScan stops an active scan, if any
func (b *Bridge) StopScan() {
	b.mu.Lock()
	was := b.scanning
	b.scanning = false
	b.mu.Unlock()
	if was {
		b.central.StopScan()
	}
}

// Connect connects to the peripheral selected by FindPeripheral. It is a no-op
// when already connected; concurrent callers share one attempt.
func (b *Bridge) Connect(ctx context.Context) error {
	if state := b.central.State(); state != device.RadioPoweredOn {
		return device.NewError(device.KindRadioNotReady, nil, "radio is %s", state)
	}

	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	if b.target == nil {
		b.mu.Unlock()
		return device.NewError(device.KindConnectFailed, nil, "no peripheral selected")
	}
	if p := b.pending[opConnect]; p != nil && !p.resolved() {
		p.waiters++
		b.mu.Unlock()
		_, err := b.await(ctx, p)
		return err
	}
	p := b.newPendingLocked(opConnect, nil, nil)
	target := *b.target
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"id":   target.ID,
		"name": target.Name,
	}).Debug("Connecting")

	b.central.Connect(p.tag, target)
	_, err := b.await(ctx, p)
	if err != nil && ctx.Err() != nil {
		b.central.CancelConnection()
	}
	return err
}

// Disconnect tears down the connection. Pending operations fail once the
// Central reports the disconnect.
func (b *Bridge) Disconnect() {
	b.StopScan()
	b.central.CancelConnection()
}

// DiscoverServices discovers the services in filter. A newer call cancels an
// outstanding one.
func (b *Bridge) DiscoverServices(ctx context.Context, filter []ble.UUID) ([]*ble.Service, error) {
	p, err := b.begin(opDiscoverServices, nil, nil)
	if err != nil {
		return nil, err
	}
	b.central.DiscoverServices(p.tag, filter)
	ev, err := b.await(ctx, p)
	if err != nil {
		return nil, err
	}
	return ev.Services, nil
}

// DiscoverCharacteristics discovers the characteristics of svc matching filter
func (b *Bridge) DiscoverCharacteristics(ctx context.Context, filter []ble.UUID, svc *ble.Service) ([]*ble.Characteristic, error) {
	p, err := b.begin(opDiscoverCharacteristics, svc, nil)
	if err != nil {
		return nil, err
	}
	b.central.DiscoverCharacteristics(p.tag, filter, svc)
	ev, err := b.await(ctx, p)
	if err != nil {
		return nil, err
	}
	return ev.Characteristics, nil
}

// DiscoverDescriptors discovers the descriptors of c
func (b *Bridge) DiscoverDescriptors(ctx context.Context, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	p, err := b.begin(opDiscoverDescriptors, nil, c)
	if err != nil {
		return nil, err
	}
	b.central.DiscoverDescriptors(p.tag, c)
	ev, err := b.await(ctx, p)
	if err != nil {
		return nil, err
	}
	return ev.Descriptors, nil
}

// ReadValue reads c. Concurrent reads of the same characteristic share one
// request; a read of a different characteristic waits for the current one
// instead of joining it, so a caller never receives another characteristic's
// value. This is narrower than joining any pending read.
func (b *Bridge) ReadValue(ctx context.Context, c *ble.Characteristic) ([]byte, error) {
	for {
		b.mu.Lock()
		if !b.connected {
			b.mu.Unlock()
			return nil, device.NewError(device.KindNotConnected, nil, "read")
		}
		prev := b.pending[opRead]
		if prev != nil && !prev.resolved() {
			if prev.char != c {
				b.mu.Unlock()
				select {
				case <-prev.done:
					continue
				case <-ctx.Done():
					return nil, device.NewError(device.KindCancelled, ctx.Err(), "read")
				}
			}
			prev.waiters++
			b.mu.Unlock()
			ev, err := b.await(ctx, prev)
			if err != nil {
				return nil, err
			}
			return cloneBytes(ev.Value), nil
		}
		p := b.newPendingLocked(opRead, nil, c)
		b.mu.Unlock()

		b.central.ReadValue(p.tag, c)
		ev, err := b.await(ctx, p)
		if err != nil {
			return nil, err
		}
		return cloneBytes(ev.Value), nil
	}
}

// WriteValue writes data to c with response. A newer write cancels an
// outstanding one.
func (b *Bridge) WriteValue(ctx context.Context, data []byte, c *ble.Characteristic) error {
	p, err := b.begin(opWrite, nil, c)
	if err != nil {
		return err
	}
	b.central.WriteValue(p.tag, cloneBytes(data), c)
	_, err = b.await(ctx, p)
	return err
}

// SetNotifyValue enables or disables notifications on c
func (b *Bridge) SetNotifyValue(ctx context.Context, enabled bool, c *ble.Characteristic) error {
	p, err := b.begin(opNotify, nil, c)
	if err != nil {
		return err
	}
	b.central.SetNotifyValue(p.tag, enabled, c)
	_, err = b.await(ctx, p)
	return err
}

// begin registers a new exclusive operation, cancelling the previous one of
// the same category.
func (b *Bridge) begin(cat category, svc *ble.Service, c *ble.Characteristic) (*pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, device.NewError(device.KindNotConnected, nil, "%s", cat)
	}
	if prev := b.pending[cat]; prev != nil {
		delete(b.pending, cat)
		if prev.resolve(device.Event{}, device.NewError(device.KindCancelled, nil, "%s superseded", cat)) {
			b.logger.WithFields(logrus.Fields{
				"op":  cat.String(),
				"tag": prev.tag,
			}).Debug("Superseded pending operation")
		}
	}
	return b.newPendingLocked(cat, svc, c), nil
}

func (b *Bridge) newPendingLocked(cat category, svc *ble.Service, c *ble.Characteristic) *pending {
	b.nextTag++
	p := newPending(cat, b.nextTag, svc, c)
	b.pending[cat] = p
	return p
}

// await blocks until p resolves or ctx is done. An abandoned operation is
// resolved as cancelled once its last waiter leaves.
func (b *Bridge) await(ctx context.Context, p *pending) (device.Event, error) {
	select {
	case <-p.done:
		return p.event, p.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	p.waiters--
	if p.waiters <= 0 {
		if b.pending[p.cat] == p {
			delete(b.pending, p.cat)
		}
		p.resolve(device.Event{}, device.NewError(device.KindCancelled, ctx.Err(), "%s", p.cat))
	}
	b.mu.Unlock()

	// the pump may have won the race
	select {
	case <-p.done:
		if p.err == nil {
			return p.event, nil
		}
	default:
	}
	return device.Event{}, device.NewError(device.KindCancelled, ctx.Err(), "%s", p.cat)
}

// failAllLocked resolves every outstanding operation with err
func (b *Bridge) failAllLocked(err error) {
	for cat, p := range b.pending {
		delete(b.pending, cat)
		p.resolve(device.Event{}, err)
	}
}

func (b *Bridge) dispatch(ev device.Event) {
	switch ev.Kind {
	case device.EventRadioState:
		b.handleRadio(ev)
	case device.EventDiscovered:
		b.handleDiscovered(ev)
	case device.EventConnected:
		b.handleConnected(ev)
	case device.EventConnectFailed:
		b.complete(opConnect, ev)
	case device.EventDisconnected:
		b.handleDisconnected(ev)
	case device.EventServicesDiscovered:
		b.complete(opDiscoverServices, ev)
	case device.EventCharacteristicsDiscovered:
		b.complete(opDiscoverCharacteristics, ev)
	case device.EventDescriptorsDiscovered:
		b.complete(opDiscoverDescriptors, ev)
	case device.EventValueUpdated:
		b.handleValue(ev)
	case device.EventValueWritten:
		b.complete(opWrite, ev)
	case device.EventNotifyStateUpdated:
		b.complete(opNotify, ev)
	default:
		b.logger.WithField("kind", ev.Kind.String()).Debug("Ignoring unknown event")
	}
}

func (b *Bridge) handleRadio(ev device.Event) {
	b.mu.Lock()
	if ev.Radio != device.RadioPoweredOn {
		b.scanning = false
		b.connected = false
		b.failAllLocked(device.NewError(device.KindDisconnected, nil, "radio is %s", ev.Radio))
	}
	h := b.onRadio
	b.mu.Unlock()

	b.logger.WithField("state", ev.Radio.String()).Debug("Radio state changed")
	if h != nil {
		h(ev.Radio)
	}
}

func (b *Bridge) handleDiscovered(ev device.Event) {
	b.mu.Lock()
	if !b.scanning {
		b.mu.Unlock()
		b.logger.WithField("id", ev.Peripheral.ID).Debug("Ignoring discovery outside of a scan")
		return
	}
	b.scanning = false
	p := ev.Peripheral
	b.target = &p
	h := b.onDiscovered
	b.mu.Unlock()

	b.central.StopScan()

	b.logger.WithFields(logrus.Fields{
		"id":   p.ID,
		"name": p.Name,
		"rssi": p.RSSI,
	}).Info("Discovered peripheral")

	if h != nil {
		h(p)
	}
}

func (b *Bridge) handleConnected(ev device.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pending[opConnect]
	if p == nil || !p.matches(ev) {
		b.logger.WithField("tag", ev.Tag).Debug("Ignoring unexpected connect event")
		return
	}
	delete(b.pending, opConnect)
	b.connected = true
	b.session++
	p.resolve(ev, nil)
}

func (b *Bridge) handleDisconnected(ev device.Event) {
	b.mu.Lock()
	wasConnected := b.connected
	b.connected = false
	session := b.session

	cause := device.NewError(device.KindDisconnected, ev.Err, "peripheral disconnected")
	if p := b.pending[opConnect]; p != nil && !wasConnected {
		delete(b.pending, opConnect)
		p.resolve(ev, device.NewError(device.KindConnectFailed, ev.Err, "connection dropped while connecting"))
	}
	b.failAllLocked(cause)
	h := b.onDisconnect
	b.mu.Unlock()

	if !wasConnected {
		return
	}

	b.logger.WithFields(logrus.Fields{
		"session": session,
		"error":   ev.Err,
	}).Info("Peripheral disconnected")

	if h != nil {
		h(session, ev.Err)
	}
}

func (b *Bridge) handleValue(ev device.Event) {
	b.mu.Lock()
	if p := b.pending[opRead]; p != nil && p.char == ev.Characteristic && (ev.Tag == p.tag || ev.Tag == 0) {
		delete(b.pending, opRead)
		p.resolve(ev, opError(opRead, ev.Err))
		b.mu.Unlock()
		return
	}
	if ev.Tag != 0 {
		b.mu.Unlock()
		b.logger.WithField("tag", ev.Tag).Debug("Ignoring stale read response")
		return
	}
	h := b.onUpdate
	connected := b.connected
	b.mu.Unlock()

	if ev.Err != nil || !connected {
		return
	}
	if h != nil {
		h(ev.Characteristic, cloneBytes(ev.Value))
	}
}

// complete resolves the pending operation of cat if ev answers it
func (b *Bridge) complete(cat category, ev device.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pending[cat]
	if p == nil || !p.matches(ev) {
		b.logger.WithFields(logrus.Fields{
			"op":  cat.String(),
			"tag": ev.Tag,
		}).Debug("Ignoring unmatched completion")
		return
	}
	delete(b.pending, cat)
	p.resolve(ev, opError(cat, ev.Err))
}

func opError(cat category, err error) error {
	if err == nil {
		return nil
	}
	var derr *device.Error
	if errors.As(err, &derr) {
		return err
	}
	if cat == opConnect {
		return device.NewError(device.KindConnectFailed, err, "connect")
	}
	return fmt.Errorf("%s: %w", cat, err)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
