package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/adapters/output"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/adapters/storage"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/app"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// adminTimeout bounds the store calls of one administrative command.
const adminTimeout = 30 * time.Second

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query stored events, newest first",
	Long: `Query stored events, newest first.

Examples:
  analyzer events --severity critical --limit 20
  analyzer events --type file- --since 1h
  analyzer events --keyword sshd --json`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List alerts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAlerts,
}

var ackCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAck,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete events, alerts and stats older than a duration",
	Long: `Delete events, alerts and system stats older than --older-than.
Alerts are purged on their own age; deleting an event never deletes the
alerts that reference it.

Example:
  analyzer purge --older-than 168h`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored event counts and unacknowledged alerts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	eventsCmd.Flags().String("severity", "", "only this severity: info, warning, critical")
	eventsCmd.Flags().String("type", "", "event type prefix, e.g. failed-login or file-")
	eventsCmd.Flags().Duration("since", 0, "only events newer than this duration ago")
	eventsCmd.Flags().String("keyword", "", "substring of the description or type")
	eventsCmd.Flags().Int("limit", 50, "maximum events to show, 0 for all")
	eventsCmd.Flags().Bool("json", false, "print JSON instead of styled lines")

	alertsCmd.Flags().Bool("unacked", false, "only unacknowledged alerts")
	alertsCmd.Flags().Int("limit", 50, "maximum alerts to show, 0 for all")
	alertsCmd.Flags().Bool("json", false, "print JSON instead of styled lines")

	purgeCmd.Flags().Duration("older-than", 0, "age cutoff, e.g. 720h")
	_ = purgeCmd.MarkFlagRequired("older-than")

	statsCmd.Flags().Bool("json", false, "print JSON instead of styled lines")
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(ctx context.Context, store ports.EventStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return fn(ctx, store)
}

// adminService is a service over the store that is never started; it only
// serves the administrative operations.
func adminService(store ports.EventStore) *app.Service {
	return app.NewService(app.ServiceDeps{
		Processor: app.NewEventProcessor(app.DefaultProcessorConfig(), app.ProcessorDeps{Store: store}),
		Store:     store,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runEvents(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	filter := domain.EventFilter{}

	if s, _ := flags.GetString("severity"); s != "" {
		sev, ok := domain.ParseSeverity(s)
		if !ok {
			return fmt.Errorf("unknown severity %q", s)
		}
		filter.Severity = sev
	}
	filter.TypePrefix, _ = flags.GetString("type")
	filter.Keyword, _ = flags.GetString("keyword")
	filter.Limit, _ = flags.GetInt("limit")
	if since, _ := flags.GetDuration("since"); since > 0 {
		filter.Since = time.Now().Add(-since).UTC()
	}
	asJSON, _ := flags.GetBool("json")

	return withStore(func(ctx context.Context, store ports.EventStore) error {
		events, err := store.QueryEvents(ctx, filter)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(events)
		}
		console := output.NewConsoleSubscriber(os.Stdout, false)
		for _, e := range events {
			console.PrintEvent(e)
		}
		return nil
	})
}

func runAlerts(cmd *cobra.Command, args []string) error {
	filter := domain.AlertFilter{}
	if unacked, _ := cmd.Flags().GetBool("unacked"); unacked {
		acked := false
		filter.Acknowledged = &acked
	}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withStore(func(ctx context.Context, store ports.EventStore) error {
		alerts, err := store.ListAlerts(ctx, filter)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(alerts)
		}
		console := output.NewConsoleSubscriber(os.Stdout, true)
		for _, a := range alerts {
			console.PrintAlert(a)
		}
		return nil
	})
}

func runAck(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid alert id %q", args[0])
	}

	return withStore(func(ctx context.Context, store ports.EventStore) error {
		alert, err := adminService(store).AcknowledgeAlert(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("alert %d not found", id)
		}
		if err != nil {
			return err
		}
		output.NewConsoleSubscriber(os.Stdout, true).PrintAlert(alert)
		return nil
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		return errors.New("--older-than must be positive")
	}

	return withStore(func(ctx context.Context, store ports.EventStore) error {
		res := app.NewRetentionSweeper(store, olderThan, olderThan, nil).Sweep(ctx)
		fmt.Printf("Purged %d events, %d alerts and %d stats older than %s\n",
			res.Events, res.Alerts, res.Stats, res.Cutoff.Format(time.RFC3339))
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	return withStore(func(ctx context.Context, store ports.EventStore) error {
		stats, err := adminService(store).Statistics(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(stats)
		}
		output.NewConsoleSubscriber(os.Stdout, false).PrintCounts(stats.Events, stats.UnacknowledgedAlerts)
		return nil
	})
}
