package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// moveCmd represents the move command
var moveCmd = &cobra.Command{
	Use:   "move <height>",
	Short: "Move the desk to a height in cm",
	Long: `Connects to the desk, moves it to the given height and waits until it
arrives, is stopped from the handset, or the move times out.`,
	Example: `  deskd move 75
  deskd move 110.5 --device C2:6D:9A:11:4E:0B`,
	Args: cobra.ExactArgs(1),
	RunE: runMove,
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop any desk movement",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var readyTimeout time.Duration

func init() {
	for _, c := range []*cobra.Command{moveCmd, stopCmd, statusCmd} {
		c.Flags().DurationVar(&readyTimeout, "timeout", 30*time.Second, "How long to wait for the desk to connect")
	}
}

func runMove(cmd *cobra.Command, args []string) error {
	target, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid height %q: %w", args[0], err)
	}

	return withDesk(cmd, func(ctx context.Context, a *app) error {
		lo, hi := a.controller.Limits()
		a.logger.WithFields(logrus.Fields{
			"target": target,
			"min":    lo,
			"max":    hi,
		}).Info("Moving desk")

		if err := a.controller.Move(ctx, target); err != nil {
			return err
		}
		if st, ok := a.controller.Current(); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", st.Position)
		}
		return nil
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	return withDesk(cmd, func(ctx context.Context, a *app) error {
		return a.controller.Stop(ctx)
	})
}

// withDesk starts the controller, waits for the connection and runs fn
func withDesk(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
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

	if err := a.waitReady(ctx, readyTimeout); err != nil {
		return err
	}
	return fn(ctx, a)
}
