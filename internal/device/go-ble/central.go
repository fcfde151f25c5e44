package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/device"
	"github.com/srg/desklink/internal/groutine"
)

const (
	// DefaultEventBuffer is the capacity of the Central event channel
	DefaultEventBuffer = 128

	// DefaultConnectTimeout bounds a single dial attempt
	DefaultConnectTimeout = 20 * time.Second

	// DefaultProbeInterval is how often an unavailable radio is re-probed
	DefaultProbeInterval = 5 * time.Second
)

// Radio is the subset of ble.Device the Central drives
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// DeviceFactory opens the platform radio (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Radio, error) {
	return newPlatformDevice()
}

// Options tunes a Central
type Options struct {
	ConnectTimeout time.Duration
	ProbeInterval  time.Duration
	EventBuffer    int
}

// Central implements device.Central on top of go-ble. Every request runs on
// its own goroutine and reports back through Events(); GATT calls on the
// connected client are serialized.
type Central struct {
	logger *logrus.Logger
	opts   Options
	events chan device.Event

	ctx    context.Context
	cancel context.CancelFunc
	group  groutine.Group

	mu         sync.Mutex
	state      device.RadioState
	radio      Radio
	probing    bool
	scanCancel context.CancelFunc
	scanGen    uint64
	dialCancel context.CancelFunc
	client     ble.Client

	// gattMu serializes requests on the connected client
	gattMu sync.Mutex
}

var _ device.Central = (*Central)(nil)

// Open creates a Central and starts probing the radio. The first RadioState
// event reports whether the adapter is usable.
func Open(ctx context.Context, opts Options, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Central{
		logger: logger,
		opts:   opts,
		events: make(chan device.Event, opts.EventBuffer),
		ctx:    cctx,
		cancel: cancel,
	}
	c.startProbe()
	return c
}

// State returns the last observed radio state
func (c *Central) State() device.RadioState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the event stream. It is never closed; consumers stop on their own context.
func (c *Central) Events() <-chan device.Event {
	return c.events
}

// Retrieve resolves a persisted identity. go-ble dials by address directly,
// so any non-empty identity is retrievable while the radio is on.
func (c *Central) Retrieve(id string) (device.Peripheral, bool) {
	if id == "" || c.State() != device.RadioPoweredOn {
		return device.Peripheral{}, false
	}
	return device.Peripheral{ID: id}, true
}

// Scan starts a scan reporting peripherals that advertise service
func (c *Central) Scan(service ble.UUID) error {
	c.mu.Lock()
	if c.radio == nil {
		c.mu.Unlock()
		return device.NewError(device.KindRadioNotReady, nil, "radio is %s", c.state)
	}
	if c.scanCancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}
	radio := c.radio
	scanCtx, cancel := context.WithCancel(c.ctx)
	c.scanCancel = cancel
	c.scanGen++
	gen := c.scanGen
	c.mu.Unlock()

	handler := func(a ble.Advertisement) {
		if len(service) > 0 && !ble.Contains(a.Services(), service) {
			return
		}
		c.emit(device.Event{
			Kind: device.EventDiscovered,
			Peripheral: device.Peripheral{
				ID:   a.Addr().String(),
				Name: a.LocalName(),
				RSSI: a.RSSI(),
			},
		})
	}

	c.group.Go(c.ctx, "ble-scan", func(ctx context.Context) {
		err := radio.Scan(scanCtx, false, handler)
		c.mu.Lock()
		if c.scanGen == gen {
			c.scanCancel = nil
		}
		c.mu.Unlock()
		cancel()

		if err != nil && scanCtx.Err() == nil {
			c.logger.WithField("error", err).Warn("Scan failed")
			c.checkRadio(err)
		}
	})
	return nil
}

// StopScan cancels the active scan
func (c *Central) StopScan() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect dials p and reports EventConnected or EventConnectFailed
func (c *Central) Connect(tag device.Tag, p device.Peripheral) {
	c.mu.Lock()
	radio := c.radio
	if radio == nil {
		c.mu.Unlock()
		c.emit(device.Event{Kind: device.EventConnectFailed, Tag: tag, Peripheral: p, Err: device.ErrRadioNotReady})
		return
	}
	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	c.dialCancel = cancel
	c.mu.Unlock()

	c.group.Go(c.ctx, "ble-dial", func(ctx context.Context) {
		defer cancel()

		c.logger.WithFields(logrus.Fields{
			"address": p.ID,
			"timeout": c.opts.ConnectTimeout,
		}).Debug("Dialing BLE device...")

		client, err := radio.Dial(dialCtx, ble.NewAddr(p.ID))

		c.mu.Lock()
		c.dialCancel = nil
		if err == nil {
			c.client = client
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": p.ID,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			c.checkRadio(err)
			c.emit(device.Event{Kind: device.EventConnectFailed, Tag: tag, Peripheral: p, Err: NormalizeError(err)})
			return
		}

		c.emit(device.Event{Kind: device.EventConnected, Tag: tag, Peripheral: p})
		c.monitor(client, p)
	})
}

// monitor reports the end of a connection exactly once
func (c *Central) monitor(client ble.Client, p device.Peripheral) {
	c.group.Go(c.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
		case <-ctx.Done():
			_ = client.CancelConnection()
			return
		}

		c.mu.Lock()
		if c.client == client {
			c.client = nil
		}
		c.mu.Unlock()

		c.logger.WithField("address", p.ID).Debug("BLE client reported disconnection")
		c.emit(device.Event{Kind: device.EventDisconnected, Peripheral: p})
	})
}

// CancelConnection aborts a dial in progress or drops the current connection
func (c *Central) CancelConnection() {
	c.mu.Lock()
	cancel := c.dialCancel
	client := c.client
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			c.logger.WithField("error", err).Debug("CancelConnection failed")
		}
	}
}

// DiscoverServices discovers the services in filter
func (c *Central) DiscoverServices(tag device.Tag, filter []ble.UUID) {
	c.request("ble-discover-services", func(client ble.Client) device.Event {
		svcs, err := client.DiscoverServices(filter)
		return device.Event{Kind: device.EventServicesDiscovered, Tag: tag, Services: svcs, Err: NormalizeError(err)}
	}, device.Event{Kind: device.EventServicesDiscovered, Tag: tag})
}

// DiscoverCharacteristics discovers the characteristics of svc
func (c *Central) DiscoverCharacteristics(tag device.Tag, filter []ble.UUID, svc *ble.Service) {
	c.request("ble-discover-characteristics", func(client ble.Client) device.Event {
		chars, err := client.DiscoverCharacteristics(filter, svc)
		return device.Event{Kind: device.EventCharacteristicsDiscovered, Tag: tag, Service: svc, Characteristics: chars, Err: NormalizeError(err)}
	}, device.Event{Kind: device.EventCharacteristicsDiscovered, Tag: tag, Service: svc})
}

// DiscoverDescriptors discovers the descriptors of ch. On Linux this is what
// populates the CCCD needed by SetNotifyValue.
func (c *Central) DiscoverDescriptors(tag device.Tag, ch *ble.Characteristic) {
	c.request("ble-discover-descriptors", func(client ble.Client) device.Event {
		descs, err := client.DiscoverDescriptors(nil, ch)
		return device.Event{Kind: device.EventDescriptorsDiscovered, Tag: tag, Characteristic: ch, Descriptors: descs, Err: NormalizeError(err)}
	}, device.Event{Kind: device.EventDescriptorsDiscovered, Tag: tag, Characteristic: ch})
}

// ReadValue reads ch; the result arrives as a tagged EventValueUpdated
func (c *Central) ReadValue(tag device.Tag, ch *ble.Characteristic) {
	c.request("ble-read", func(client ble.Client) device.Event {
		v, err := client.ReadCharacteristic(ch)
		return device.Event{Kind: device.EventValueUpdated, Tag: tag, Characteristic: ch, Value: v, Err: NormalizeError(err)}
	}, device.Event{Kind: device.EventValueUpdated, Tag: tag, Characteristic: ch})
}

// WriteValue writes data to ch with response
func (c *Central) WriteValue(tag device.Tag, data []byte, ch *ble.Characteristic) {
	c.request("ble-write", func(client ble.Client) device.Event {
		err := client.WriteCharacteristic(ch, data, false)
		return device.Event{Kind: device.EventValueWritten, Tag: tag, Characteristic: ch, Err: NormalizeError(err)}
	}, device.Event{Kind: device.EventValueWritten, Tag: tag, Characteristic: ch})
}

// SetNotifyValue subscribes to or unsubscribes from ch notifications.
// Notifications arrive as untagged EventValueUpdated.
func (c *Central) SetNotifyValue(tag device.Tag, enabled bool, ch *ble.Characteristic) {
	c.request("ble-set-notify", func(client ble.Client) device.Event {
		var err error
		if enabled {
			err = client.Subscribe(ch, false, func(data []byte) {
				v := make([]byte, len(data))
				copy(v, data)
				c.emit(device.Event{Kind: device.EventValueUpdated, Characteristic: ch, Value: v})
			})
		} else {
			err = client.Unsubscribe(ch, false)
		}
		return device.Event{Kind: device.EventNotifyStateUpdated, Tag: tag, Characteristic: ch, Enabled: enabled, Err: NormalizeError(err)}
	}, device.Event{Kind: device.EventNotifyStateUpdated, Tag: tag, Characteristic: ch, Enabled: enabled})
}

// Close stops all activity and releases the radio
func (c *Central) Close() error {
	c.StopScan()
	c.CancelConnection()
	c.cancel()
	c.group.Wait()

	c.mu.Lock()
	radio := c.radio
	c.radio = nil
	c.state = device.RadioUnknown
	c.mu.Unlock()

	if radio != nil {
		return radio.Stop()
	}
	return nil
}

// request runs fn against the connected client on its own goroutine.
// Without a client the failed event is emitted with ErrNotConnected.
func (c *Central) request(name string, fn func(client ble.Client) device.Event, failed device.Event) {
	c.group.Go(c.ctx, name, func(ctx context.Context) {
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()

		if client == nil {
			failed.Err = device.ErrNotConnected
			c.emit(failed)
			return
		}

		c.gattMu.Lock()
		ev := fn(client)
		c.gattMu.Unlock()

		if ev.Err != nil {
			c.logger.WithFields(logrus.Fields{
				"op":    name,
				"error": ev.Err,
			}).Debug("GATT request failed")
		}
		c.emit(ev)
	})
}

func (c *Central) emit(ev device.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Central) setState(state device.RadioState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.logger.WithField("state", state.String()).Info("Bluetooth radio state changed")
		c.emit(device.Event{Kind: device.EventRadioState, Radio: state})
	}
}

// checkRadio drops the radio and resumes probing when err says it went away
func (c *Central) checkRadio(err error) {
	if !IsRadioOff(err) {
		return
	}
	c.mu.Lock()
	radio := c.radio
	c.radio = nil
	c.mu.Unlock()

	if radio != nil {
		_ = radio.Stop()
	}
	c.setState(device.RadioPoweredOff)
	c.startProbe()
}

// startProbe opens the platform radio, retrying until it succeeds
func (c *Central) startProbe() {
	c.mu.Lock()
	if c.probing {
		c.mu.Unlock()
		return
	}
	c.probing = true
	c.mu.Unlock()

	c.group.Go(c.ctx, "ble-radio-probe", func(ctx context.Context) {
		defer func() {
			c.mu.Lock()
			c.probing = false
			c.mu.Unlock()
		}()

		for {
			radio, err := DeviceFactory()
			if err == nil {
				c.mu.Lock()
				c.radio = radio
				c.mu.Unlock()
				c.setState(device.RadioPoweredOn)
				return
			}

			c.logger.WithField("error", err).Debug("Bluetooth radio unavailable")
			c.setState(device.RadioPoweredOff)

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.ProbeInterval):
			}
		}
	})
}
