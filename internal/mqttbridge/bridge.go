package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/desk"
	"github.com/srg/desklink/internal/groutine"
	"github.com/srg/desklink/internal/ringchan"
	"golang.org/x/time/rate"
)

// Desk is the controller surface the bridge drives. StartMove must return
// once the move is registered so commands keep their arrival order.
type Desk interface {
	StartMove(ctx context.Context, position float64) error
	Stop(ctx context.Context) error
	Current() (desk.State, bool)
	Limits() (float64, float64)
	State() desk.ConnectionState
}

var _ Desk = (*desk.Controller)(nil)

// Options configures the bus bridge
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string

	BaseTopic       string
	DiscoveryPrefix string
	Name            string
	QoS             byte

	CommandRate    float64
	CommandBurst   int
	QueueSize      int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultOptions returns the bridge defaults
func DefaultOptions() Options {
	return Options{
		ClientID:        "desklink",
		BaseTopic:       "desklink/desk",
		DiscoveryPrefix: "homeassistant",
		Name:            "Desk",
		QoS:             1,
		CommandRate:     5,
		CommandBurst:    5,
		QueueSize:       16,
		ConnectTimeout:  10 * time.Second,
		PublishTimeout:  5 * time.Second,
	}
}

// statePayload is published retained on the state topic
type statePayload struct {
	desk.State
	Moving    bool   `json:"moving"`
	Connected bool   `json:"connected"`
	Link      string `json:"link"`
}

type publication struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge republishes desk events on MQTT and turns textual commands into
// controller calls. It implements desk.Listener.
type Bridge struct {
	client  Client
	desk    Desk
	opts    Options
	topics  Topics
	logger  *logrus.Logger
	limiter *rate.Limiter
	queue   *ringchan.Channel[publication]
	// commands run one at a time in arrival order
	commands *ringchan.Channel[Command]

	// managed clients announce themselves from the paho connect handler
	managed bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	group   groutine.Group
}

var _ desk.Listener = (*Bridge)(nil)

// New creates a bridge over an existing client. Zero-valued options fall back to DefaultOptions.
func New(client Client, d Desk, opts Options, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.ClientID == "" {
		opts.ClientID = def.ClientID
	}
	if opts.BaseTopic == "" {
		opts.BaseTopic = def.BaseTopic
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = def.CommandRate
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = def.CommandBurst
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = def.PublishTimeout
	}

	return &Bridge{
		client:  client,
		desk:    d,
		opts:    opts,
		topics:  newTopics(opts.BaseTopic, opts.DiscoveryPrefix),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(opts.CommandRate), opts.CommandBurst),
		queue:    ringchan.New[publication](opts.QueueSize),
		commands: ringchan.New[Command](opts.QueueSize),
	}
}

// Topics returns the topics the bridge uses
func (b *Bridge) Topics() Topics {
	return b.topics
}

// Start connects to the broker, starts the publisher and announces the desk.
// The bridge runs until ctx is cancelled or Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bridge already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	runCtx := b.ctx
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"broker":    b.opts.Broker,
		"client_id": b.opts.ClientID,
		"topic":     b.opts.BaseTopic,
	}).Info("Connecting to MQTT broker")

	if err := wait(b.client.Connect(), b.opts.ConnectTimeout); err != nil {
		b.mu.Lock()
		b.started = false
		b.cancel()
		b.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	b.group.Go(runCtx, "mqtt-publisher", b.publishLoop)
	b.group.Go(runCtx, "mqtt-commands", b.commandLoop)
	if !b.managed {
		b.connectionUp()
	}
	return nil
}

// connectionUp subscribes to commands and announces the desk. It runs after
// every broker (re)connect.
func (b *Bridge) connectionUp() {
	err := wait(b.client.Subscribe(b.topics.Command, b.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		b.HandleCommand(msg.Payload())
	}), b.opts.ConnectTimeout)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"topic": b.topics.Command,
			"error": err,
		}).Error("Failed to subscribe to command topic")
	} else {
		b.logger.WithField("topic", b.topics.Command).Info("Listening for desk commands")
	}

	if b.topics.Discovery != "" {
		payload, err := b.discoveryPayload()
		if err != nil {
			b.logger.WithField("error", err).Error("Failed to encode discovery config")
		} else {
			b.enqueue(publication{topic: b.topics.Discovery, payload: payload, retained: true})
		}
	}
	b.announce()
}

// announce republishes availability and the current state
func (b *Bridge) announce() {
	b.enqueue(publication{topic: b.topics.Availability, payload: []byte(payloadOnline), retained: true})

	st, ok := b.desk.Current()
	if !ok {
		b.publishState(desk.State{}, false)
		return
	}
	b.publishState(st, b.desk.State() == desk.StateReady)
}

// OnEvent implements desk.Listener
func (b *Bridge) OnEvent(ev desk.Event) {
	switch ev.Kind {
	case desk.EventConnected, desk.EventStateChanged:
		b.publishState(ev.State, true)
	case desk.EventDisconnected:
		b.publishState(ev.State, false)
	}
}

func (b *Bridge) publishState(st desk.State, connected bool) {
	link := desk.StateDisconnected.String()
	if connected {
		link = desk.StateReady.String()
	}
	payload, err := json.Marshal(statePayload{
		State:     st,
		Moving:    st.Moving(),
		Connected: connected,
		Link:      link,
	})
	if err != nil {
		b.logger.WithField("error", err).Error("Failed to encode desk state")
		return
	}
	b.enqueue(publication{topic: b.topics.State, payload: payload, retained: true})
	if connected {
		b.enqueue(publication{
			topic:    b.topics.Position,
			payload:  []byte(strconv.FormatFloat(st.Position, 'f', 2, 64)),
			retained: true,
		})
	}
}

func (b *Bridge) enqueue(p publication) {
	if b.queue.Send(p) {
		b.logger.WithField("topic", p.topic).Debug("Publish queue full, dropped oldest message")
	}
}

func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-b.queue.C():
			if !ok {
				return
			}
			b.publish(p)
		}
	}
}

func (b *Bridge) publish(p publication) {
	if err := wait(b.client.Publish(p.topic, b.opts.QoS, p.retained, p.payload), b.opts.PublishTimeout); err != nil {
		b.logger.WithFields(logrus.Fields{
			"topic": p.topic,
			"error": err,
		}).Warn("MQTT publish failed")
		return
	}
	b.logger.WithFields(logrus.Fields{
		"topic":   p.topic,
		"payload": string(p.payload),
	}).Debug("Published")
}

// HandleCommand parses payload and queues it for the command worker.
// Commands above the configured rate, malformed commands and commands that
// find the queue full are logged and dropped.
func (b *Bridge) HandleCommand(payload []byte) {
	logger := b.logger.WithField("command", string(payload))

	if !b.limiter.Allow() {
		logger.Warn("Command rate limit exceeded, dropping command")
		return
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		logger.WithField("error", err).Warn("Ignoring malformed command")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		logger.Debug("Bridge not running, dropping command")
		return
	}
	if !b.commands.TrySend(cmd) {
		logger.Warn("Command queue full, dropping command")
	}
}

func (b *Bridge) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-b.commands.C():
			if !ok {
				return
			}
			if err := b.execute(ctx, cmd); err != nil {
				b.logger.WithFields(logrus.Fields{
					"command": cmd.Kind.String(),
					"error":   err,
				}).Warn("Desk command failed")
			}
		}
	}
}

func (b *Bridge) execute(ctx context.Context, cmd Command) error {
	lo, hi := b.desk.Limits()
	switch cmd.Kind {
	case CommandStop:
		return b.desk.Stop(ctx)
	case CommandOpen:
		return b.desk.StartMove(ctx, hi)
	case CommandClose:
		return b.desk.StartMove(ctx, lo)
	case CommandAnnounce:
		b.announce()
		return nil
	case CommandMove:
		return b.desk.StartMove(ctx, cmd.Position)
	default:
		return fmt.Errorf("unsupported command %s", cmd.Kind)
	}
}

// Close stops the publisher and running commands, publishes offline and disconnects
func (b *Bridge) Close() {
	b.mu.Lock()
	started := b.started
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()
	if !started {
		return
	}

	cancel()
	b.group.Wait()

	if err := wait(b.client.Publish(b.topics.Availability, b.opts.QoS, true, payloadOffline), b.opts.PublishTimeout); err != nil {
		b.logger.WithField("error", err).Warn("Failed to publish offline status")
	}
	b.client.Disconnect(250)
	b.logger.Info("MQTT bridge stopped")
}
