package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/openmined/themesync/internal/sync"
)

func init() {
	rootCmd.AddCommand(newReconcileCmd())
}

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve every difference between the local directory and the remote theme once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := newCLIConfig()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().String("strategy", "", "resolve without prompting: favor-remote or favor-local")
	return cmd
}

func runReconcile(ctx context.Context, out io.Writer, cfg *cliConfig) error {
	selector, err := cfg.selector()
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg, selector)
	if err != nil {
		return err
	}
	defer sess.Close()

	result, err := sess.engine.InitialReconcile(ctx)
	if err != nil {
		return err
	}
	// the next dev run polls from here
	if err := sess.engine.Poller().Prime(ctx); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}

	fmt.Fprint(out, formatSummary(result))
	return result.Err()
}

func formatSummary(r *sync.ReconcileResult) string {
	if r.Succeeded() == 0 && len(r.Errors) == 0 {
		return green.Render("Already in sync") + "\n"
	}

	var b strings.Builder
	line := func(n int, verb string) {
		if n > 0 {
			fmt.Fprintf(&b, "%s %s\n", verb, english.Plural(n, "file", "files"))
		}
	}
	line(len(r.Downloaded), "Downloaded")
	line(len(r.Uploaded), "Uploaded")
	line(len(r.DeletedLocal), "Deleted locally")
	line(len(r.DeletedRemote), "Deleted remotely")

	for _, e := range r.Errors {
		b.WriteString(red.Render("failed " + e.Error()))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s\n", gray.Render("took "+r.Duration.Round(1e6).String()))
	return b.String()
}
