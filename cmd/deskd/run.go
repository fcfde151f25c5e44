package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/desklink/internal/desk"
	"github.com/srg/desklink/internal/mqttbridge"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the desk connected and bridge it to MQTT",
	Long: `Connects to the desk and keeps the connection alive, reconnecting with
backoff whenever it drops or the Bluetooth radio turns off.

When mqtt.broker is configured, desk state is published under the base topic
and commands are accepted on <base>/command:

  STOP | OPEN | CLOSE | ANNOUNCE | <height in cm>

Runs until interrupted.`,
	Example: `  deskd run -c ~/.config/desklink/config.yaml
  deskd run --device C2:6D:9A:11:4E:0B --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := startApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.controller.Subscribe(desk.ListenerFunc(func(ev desk.Event) {
		logger.WithFields(logrus.Fields{
			"event": ev.Kind.String(),
			"state": ev.State.String(),
		}).Debug("Desk event")
	}))

	if cfg.MQTT.Enabled() {
		bridge := mqttbridge.Dial(a.controller, bridgeOptions(cfg), logger)
		a.controller.Subscribe(bridge)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Close()
	} else {
		logger.Info("No MQTT broker configured, running without bus bridge")
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
