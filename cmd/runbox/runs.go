package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	statusFilter  string
	sessionFilter string
	limitFlag     int
	exportFormat  string
	exportOutput  string
	forceFlag     bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"history"},
	Short:   "Inspect the history of runs and installs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export run history as markdown or JSON",
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	for _, c := range []*cobra.Command{runsListCmd, runsExportCmd} {
		c.Flags().StringVar(&statusFilter, "status", "", "Filter by status (running, exited, failed, cancelled, disconnected)")
		c.Flags().StringVar(&sessionFilter, "session", "", "Filter by session ID")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")
	}

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func listOptions() storage.RunListOptions {
	return storage.RunListOptions{
		Status:    storage.RunStatus(statusFilter),
		SessionID: sessionFilter,
		Limit:     limitFlag,
	}
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), listOptions())
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-8s %-8s %-13s %-5s %-10s %s\n", "ID", "KIND", "LANG", "STATUS", "EXIT", "DURATION", "STARTED")
	fmt.Println(strings.Repeat("─", 75))

	for _, r := range runs {
		fmt.Printf("%-10s %-8s %-8s %-13s %-5s %-10s %s\n",
			storage.ShortID(r.ID), r.Kind, r.Language, r.Status, exitText(r.ExitCode), durationText(&r), timeAgo(r.StartedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Session:  %s\n", r.SessionID)
	fmt.Printf("Kind:     %s\n", r.Kind)
	fmt.Printf("Language: %s\n", r.Language)
	fmt.Printf("Image:    %s\n", r.Image)
	if r.SandboxID != "" {
		fmt.Printf("Sandbox:  %s\n", r.SandboxID)
	}
	fmt.Printf("Status:   %s\n", r.Status)
	fmt.Printf("Exit:     %s\n", exitText(r.ExitCode))
	fmt.Printf("Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	if r.EndedAt != nil {
		fmt.Printf("Ended:    %s (%s)\n", r.EndedAt.Format(time.RFC3339), durationText(r))
	}
	if r.Error != "" {
		fmt.Printf("Error:    %s\n", r.Error)
	}
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	r, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete %s run %s (%s)? [y/N] ", r.Language, storage.ShortID(r.ID), r.Status)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", storage.ShortID(r.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), listOptions())
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(runs)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		output = storage.ExportMarkdown(runs)
	default:
		return fmt.Errorf("unknown export format %q (want md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func durationText(r *storage.Run) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.Duration().Round(time.Millisecond).String()
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		// Never split a multi-byte character.
		for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
			maxLen--
		}
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
