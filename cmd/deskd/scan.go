package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/desklink/internal/desk"
	"github.com/srg/desklink/internal/device"
	goble "github.com/srg/desklink/internal/device/go-ble"
	"github.com/srg/desklink/internal/store"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Linak desks",
	Long: `Scan for Bluetooth Low Energy devices advertising the Linak control service.

With --save and exactly one desk in range, its identity is written to the
state file so that later runs connect to it without scanning.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanSave     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "Remember the desk found in the state file")
}

// scanEntry is one discovered desk
type scanEntry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("scan duration must be positive")
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	central := goble.Open(ctx, goble.Options{
		ConnectTimeout: cfg.Desk.ConnectTimeout,
		ProbeInterval:  cfg.Desk.RadioProbeInterval,
	}, logger)
	defer central.Close()

	scanCtx, cancel := context.WithTimeout(ctx, scanDuration)
	defer cancel()

	found, err := collectDesks(scanCtx, central)
	if err != nil {
		return err
	}
	// Ctrl+C still prints what was found so far
	entries := sortedEntries(found)

	if scanSave {
		if len(entries) != 1 {
			return fmt.Errorf("--save needs exactly one desk in range, found %d", len(entries))
		}
		if err := store.NewFileStore(cfg.StateFile).Save(entries[0].ID); err != nil {
			return err
		}
		logger.WithField("id", entries[0].ID).Info("Desk identity saved")
	}

	if scanFormat == "json" {
		return writeEntriesJSON(cmd.OutOrStdout(), entries)
	}
	return writeEntriesTable(cmd.OutOrStdout(), entries)
}

// collectDesks waits for the radio, then records every desk advertisement
// until ctx is done. Only a radio that never powers on is an error.
func collectDesks(ctx context.Context, central device.Central) (*hashmap.Map[string, scanEntry], error) {
	found := hashmap.New[string, scanEntry]()

	if central.State() != device.RadioPoweredOn {
		if err := waitRadio(ctx, central); err != nil {
			return found, err
		}
	}

	if err := central.Scan(desk.ScanSignature); err != nil {
		return found, fmt.Errorf("failed to start scan: %w", err)
	}
	defer central.StopScan()

	for {
		select {
		case <-ctx.Done():
			return found, nil
		case ev := <-central.Events():
			if ev.Kind != device.EventDiscovered {
				continue
			}
			found.Set(ev.Peripheral.ID, scanEntry{
				ID:       ev.Peripheral.ID,
				Name:     ev.Peripheral.Name,
				RSSI:     ev.Peripheral.RSSI,
				LastSeen: time.Now(),
			})
		}
	}
}

func waitRadio(ctx context.Context, central device.Central) error {
	for {
		select {
		case <-ctx.Done():
			return device.NewError(device.KindRadioNotReady, ctx.Err(), "radio is %s", central.State())
		case ev := <-central.Events():
			if ev.Kind == device.EventRadioState && ev.Radio == device.RadioPoweredOn {
				return nil
			}
		}
	}
}

// sortedEntries orders by signal strength, strongest first
func sortedEntries(found *hashmap.Map[string, scanEntry]) []scanEntry {
	entries := make([]scanEntry, 0, found.Len())
	found.Range(func(_ string, e scanEntry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RSSI != entries[j].RSSI {
			return entries[i].RSSI > entries[j].RSSI
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func writeEntriesTable(out io.Writer, entries []scanEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No desks discovered")
		return nil
	}

	name := color.New(color.FgCyan).SprintFunc()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIDENTITY\tRSSI\tLAST SEEN")
	for _, e := range entries {
		label := e.Name
		if label == "" {
			label = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\n",
			name(label), e.ID, e.RSSI, time.Since(e.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}

func writeEntriesJSON(out io.Writer, entries []scanEntry) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}
