package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/desklink/internal/desk"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current desk height",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the state as JSON")
}

// statusReport is what status prints
type statusReport struct {
	desk.State
	Moving bool    `json:"moving"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withDesk(cmd, func(ctx context.Context, a *app) error {
		st, ok := a.controller.Current()
		if !ok {
			return fmt.Errorf("%w: no position reported yet", ErrNotReady)
		}
		lo, hi := a.controller.Limits()
		report := statusReport{State: st, Moving: st.Moving(), Min: lo, Max: hi}
		if statusJSON {
			return writeStatusJSON(cmd.OutOrStdout(), report)
		}
		return writeStatus(cmd.OutOrStdout(), report)
	})
}

func writeStatus(out io.Writer, r statusReport) error {
	bold := color.New(color.Bold).SprintFunc()
	motion := color.New(color.FgGreen).Sprint("idle")
	if r.Moving {
		motion = color.New(color.FgYellow).Sprintf("moving %.2f", r.Speed)
	}

	_, err := fmt.Fprintf(out, "Desk:     %s\nHeight:   %s cm (range %.0f-%.0f)\nMotion:   %s\nRaw:      %d\n",
		r.Identity, bold(fmt.Sprintf("%.2f", r.Position)), r.Min, r.Max, motion, r.RawPosition)
	return err
}

func writeStatusJSON(out io.Writer, r statusReport) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}
