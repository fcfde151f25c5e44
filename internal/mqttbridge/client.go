package mqttbridge

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Client is the part of mqtt.Client the bridge uses
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

var _ Client = mqtt.Client(nil)

// Dial builds a paho client for opts and wraps it in a Bridge. The broker
// connection is opened by Start; paho reconnects on its own afterwards and
// every (re)connect resubscribes and republishes availability.
func Dial(desk Desk, opts Options, logger *logrus.Logger) *Bridge {
	b := New(nil, desk, opts, logger)
	b.managed = true

	o := mqtt.NewClientOptions().
		AddBroker(b.opts.Broker).
		SetClientID(b.opts.ClientID).
		SetUsername(b.opts.Username).
		SetPassword(b.opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectTimeout(b.opts.ConnectTimeout).
		SetOrderMatters(true).
		SetWill(b.topics.Availability, payloadOffline, b.opts.QoS, true).
		SetOnConnectHandler(func(mqtt.Client) {
			b.connectionUp()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.WithField("error", err).Warn("MQTT connection lost, reconnecting")
		})

	b.client = mqtt.NewClient(o)
	return b
}

// wait blocks on t for at most timeout
func wait(t mqtt.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return t.Error()
}
