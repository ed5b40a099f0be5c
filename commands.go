package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"alin-engine/app"
	"alin-engine/database"
	"alin-engine/websocket"

	"github.com/spf13/cobra"
)

var (
	exportOut    string
	importFile   string
	importClear  bool
	importGenes  bool
	importDomain bool
	importLedger bool
	watchURL     string
)

// serveCmd runs the engine service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, capture dispatcher and lifecycle scheduler",
	RunE:  runServe,
}

// lifecycleCmd runs one maintenance pass
var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Run one lifecycle pass (expiry, pruning, decay, calibration)",
	RunE: withEngine(func(ctx context.Context, e *app.Engine, cmd *cobra.Command, args []string) error {
		report, err := app.NewScheduler(e).RunOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	}),
}

// calibrateCmd rebuilds calibration snapshots for one user
var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Rebuild the calibration snapshot for --user",
	RunE: withEngine(func(ctx context.Context, e *app.Engine, cmd *cobra.Command, args []string) error {
		if _, err := e.RebuildCalibration(ctx, userID); err != nil {
			return err
		}
		view, err := e.Calibration(ctx, userID, "")
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view.Buckets)
	}),
}

// exportCmd writes a snapshot
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a versioned snapshot of --user's engine state",
	RunE: withEngine(func(ctx context.Context, e *app.Engine, cmd *cobra.Command, args []string) error {
		snap, err := e.ExportSnapshot(ctx, userID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return printJSON(out, snap)
	}),
}

// importCmd loads a snapshot
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a snapshot into --user's engine state",
	Long: `Validates the snapshot and writes it in a single transaction.
Nothing is written when validation fails.

Example:
  alin-engine import --user alice --file backup.json --clear`,
	RunE: withEngine(func(ctx context.Context, e *app.Engine, cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if importFile != "" && importFile != "-" {
			f, err := os.Open(importFile)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		var snap database.Snapshot
		if err := json.NewDecoder(in).Decode(&snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		result, err := e.ImportSnapshot(ctx, userID, &snap, database.ImportOptions{
			ClearExisting: importClear,
			ImportGenes:   importGenes,
			ImportDomains: importDomain,
			ImportLedger:  importLedger,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}),
}

// killSwitchCmd reads or flips the global kill switch
var killSwitchCmd = &cobra.Command{
	Use:       "killswitch [on|off]",
	Short:     "Show or set the kill switch that silences every addendum",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: withEngine(func(ctx context.Context, e *app.Engine, cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var on bool
			switch strings.ToLower(args[0]) {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if err := e.SetKillSwitch(ctx, on); err != nil {
				return err
			}
		}
		on, err := e.KillSwitch(ctx)
		if err != nil {
			return err
		}
		state := "off"
		if on {
			state = "on"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "kill switch: %s\n", state)
		return nil
	}),
}

// watchCmd tails the live event feed of a running engine
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print live engine events from a running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		url := watchURL
		if url == "" {
			url = fmt.Sprintf("ws://localhost:%d/api/events/ws", cfg.ListenPort)
		}
		out := cmd.OutOrStdout()
		client := websocket.NewClient(url, userID, logger)
		return client.Subscribe(ctx, func(m websocket.Message) {
			fmt.Fprintf(out, "%s %-20s %s\n", m.Timestamp.Format("15:04:05"), m.Event, m.Payload)
		})
	},
}

func registerCommands(root *cobra.Command) {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "output file")

	importCmd.Flags().StringVarP(&importFile, "file", "f", "-", "snapshot file")
	importCmd.Flags().BoolVar(&importClear, "clear", false, "delete the selected existing rows first")
	importCmd.Flags().BoolVar(&importGenes, "genes", true, "import genes and their audit log")
	importCmd.Flags().BoolVar(&importDomain, "domains", true, "import domain states")
	importCmd.Flags().BoolVar(&importLedger, "ledger", false, "import predictions, outcomes and patterns")

	watchCmd.Flags().StringVar(&watchURL, "url", "", "feed URL (default ws://localhost:$PORT/api/events/ws)")

	root.AddCommand(serveCmd, lifecycleCmd, calibrateCmd, exportCmd, importCmd, killSwitchCmd, watchCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return NewApp(cfg, logger).Start()
}

// withEngine opens the store for a one-shot command
func withEngine(run func(ctx context.Context, e *app.Engine, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a := NewApp(cfg, logger)
		e, err := a.connect()
		if err != nil {
			return err
		}
		defer a.closeStores()

		err = run(cmd.Context(), e, cmd, args)
		e.Wait()
		return err
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
