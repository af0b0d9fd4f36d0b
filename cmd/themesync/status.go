package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/themesync/internal/sync"
	"github.com/openmined/themesync/internal/themefs"
	"github.com/openmined/themesync/internal/utils"
	"github.com/openmined/themesync/internal/workspace"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last poll and any recorded conflicts of a theme root",
		RunE: func(cmd *cobra.Command, args []string) error {
			themeID := viper.GetString("theme")
			if themeID == "" {
				return errNoTheme
			}
			ws, err := workspace.NewWorkspace(viper.GetString("path"))
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runStatus(cmd.OutOrStdout(), ws, themeID, time.Now())
		},
	}
}

func runStatus(out io.Writer, ws *workspace.Workspace, themeID string, now time.Time) error {
	store := themefs.Mount(ws.Root)
	var size int64
	for _, c := range store.Checksums() {
		if a, ok := store.Get(c.Key); ok && a.Stats != nil {
			size += a.Stats.Size
		}
	}
	fmt.Fprintf(out, "%s %s\n", cyan.Render("root  "), ws.Root)
	fmt.Fprintf(out, "%s %s\n", cyan.Render("theme "), themeID)
	fmt.Fprintf(out, "%s %s, %s\n", cyan.Render("local "), english.Plural(store.Len(), "asset", "assets"), humanize.Bytes(uint64(size)))

	if !utils.FileExists(ws.JournalPath) {
		fmt.Fprintln(out, gray.Render("never synced"))
		return nil
	}

	journal := sync.NewSyncJournal(ws.JournalPath)
	if err := journal.Open(); err != nil {
		return fmt.Errorf("open sync journal: %w", err)
	}
	defer journal.Close()

	poll, err := journal.LastPoll(themeID)
	if err != nil {
		return err
	}
	if poll == nil {
		fmt.Fprintln(out, gray.Render("never polled"))
	} else {
		fmt.Fprintf(out, "%s %s (%s, %s, %s)\n", cyan.Render("polled"),
			humanize.RelTime(poll.PolledAt, now, "ago", "from now"),
			english.Plural(poll.Downloaded, "download", "downloads"),
			english.Plural(poll.Deleted, "deletion", "deletions"),
			english.Plural(poll.Errors, "error", "errors"),
		)
	}

	baseline, err := journal.Baseline(themeID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", cyan.Render("remote"), english.Plural(len(baseline), "tracked json asset", "tracked json assets"))

	conflicts, err := journal.Conflicts(themeID)
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		fmt.Fprintln(out, red.Render(fmt.Sprintf("conflict %s (%s)", c.Key, humanize.RelTime(c.DetectedAt, now, "ago", "from now"))))
	}
	if len(conflicts) > 0 {
		fmt.Fprintln(out, yellow.Render("Run `themesync reconcile` to resolve."))
	}
	return nil
}
