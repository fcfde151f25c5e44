package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/desk"
	"github.com/srg/desklink/internal/device"
	goble "github.com/srg/desklink/internal/device/go-ble"
	"github.com/srg/desklink/internal/groutine"
	"github.com/srg/desklink/internal/mqttbridge"
	"github.com/srg/desklink/internal/peripheral"
	"github.com/srg/desklink/internal/store"
	"github.com/srg/desklink/pkg/config"
)

// app wires the radio, the bridge and the desk controller
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	central    device.Central
	controller *desk.Controller

	cancel context.CancelFunc
	done   chan error
	ready  chan struct{}
}

// deskOptions maps the config file onto controller options
func deskOptions(cfg *config.Config, st desk.IdentityStore) desk.Options {
	return desk.Options{
		Identity:       cfg.Desk.Identity,
		PositionOffset: cfg.Desk.PositionOffset,
		MinPosition:    cfg.Desk.MinPosition,
		MaxPosition:    cfg.Desk.MaxPosition,
		RetryBackoff:   cfg.Desk.RetryBackoff,
		SettleDelay:    cfg.Desk.SettleDelay,
		PollInterval:   cfg.Desk.PollInterval,
		MoveTimeout:    cfg.Desk.MoveTimeout,
		Store:          st,
	}
}

// bridgeOptions maps the config file onto bus bridge options
func bridgeOptions(cfg *config.Config) mqttbridge.Options {
	opts := mqttbridge.DefaultOptions()
	opts.Broker = cfg.MQTT.Broker
	opts.ClientID = cfg.MQTT.ClientID
	opts.Username = cfg.MQTT.Username
	opts.Password = cfg.MQTT.Password
	opts.BaseTopic = cfg.MQTT.BaseTopic
	opts.DiscoveryPrefix = cfg.MQTT.DiscoveryPrefix
	opts.Name = cfg.Desk.Name
	opts.QoS = byte(cfg.MQTT.QoS)
	opts.CommandRate = cfg.MQTT.CommandRate
	opts.CommandBurst = cfg.MQTT.CommandBurst
	opts.QueueSize = cfg.MQTT.QueueSize
	opts.ConnectTimeout = cfg.MQTT.ConnectTimeout
	return opts
}

// startApp opens the radio and runs the controller until ctx is done or Close is called
func startApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	st := store.NewFileStore(cfg.StateFile)
	if cfg.Desk.Identity == "" {
		id, err := st.Load()
		if err != nil {
			logger.WithField("error", err).Warn("Ignoring unreadable state file")
		} else if id != "" {
			logger.WithFields(logrus.Fields{
				"id":   id,
				"file": cfg.StateFile,
			}).Info("Using remembered desk")
			cfg.Desk.Identity = id
		}
	}

	central := goble.Open(ctx, goble.Options{
		ConnectTimeout: cfg.Desk.ConnectTimeout,
		ProbeInterval:  cfg.Desk.RadioProbeInterval,
	}, logger)

	bridge := peripheral.New(central, peripheral.Options{
		Identity: cfg.Desk.Identity,
		Service:  desk.ScanSignature,
	}, logger)
	controller := desk.New(bridge, deskOptions(cfg, st), logger)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		central:    central,
		controller: controller,
		done:       make(chan error, 1),
		ready:      make(chan struct{}),
	}

	signalled := false
	controller.Subscribe(desk.ListenerFunc(func(ev desk.Event) {
		if ev.Kind == desk.EventConnected && !signalled {
			signalled = true
			close(a.ready)
		}
	}))

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	groutine.Go(runCtx, "desk-controller", func(ctx context.Context) {
		a.done <- controller.Run(ctx)
	})
	return a, nil
}

// waitReady blocks until the desk is connected
func (a *app) waitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s (state %s)", ErrNotReady, timeout, a.controller.State())
	}
}

// Close stops the controller and releases the radio
func (a *app) Close() {
	a.cancel()
	if err := <-a.done; err != nil {
		a.logger.WithField("error", err).Warn("Desk controller stopped with error")
	}
	if err := a.central.Close(); err != nil {
		a.logger.WithField("error", err).Debug("Failed to release radio")
	}
}
