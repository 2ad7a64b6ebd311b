package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/swissdisk/swissdisk/internal/client/journal"
	"github.com/swissdisk/swissdisk/internal/client/workspace"
	"github.com/swissdisk/swissdisk/internal/utils"
)

func init() {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the sync journal of the local directory",
	}
	journalCmd.AddCommand(newJournalUploadsCmd())
	journalCmd.AddCommand(newJournalPollsCmd())
	journalCmd.AddCommand(newJournalBlacklistCmd())
	journalCmd.AddCommand(newJournalClearBlacklistCmd())
	rootCmd.AddCommand(journalCmd)
}

// withJournal opens the journal of the configured workspace. exclusive takes
// the workspace lock, so it fails while a sync is running.
func withJournal(cmd *cobra.Command, exclusive bool, fn func(j *journal.SyncJournal) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ws, err := workspace.NewWorkspace(cfg.LocalDir, cfg.User)
	if err != nil {
		return err
	}
	if !utils.FileExists(ws.JournalPath) {
		return fmt.Errorf("no sync journal in %s", ws.Root)
	}

	if exclusive {
		if err := ws.Lock(); err != nil {
			return err
		}
		defer ws.Unlock()
	}

	j, err := journal.NewSyncJournal(ws.JournalPath)
	if err != nil {
		return err
	}
	if err := j.Open(); err != nil {
		return err
	}
	return errors.Join(fn(j), j.Close())
}

func newJournalUploadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uploads",
		Short: "List interrupted chunked uploads that can be resumed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, false, func(j *journal.SyncJournal) error {
				infos, err := j.UploadInfos()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(infos) == 0 {
					fmt.Fprintln(w, gray.Render("no resumable uploads"))
					return nil
				}
				for _, p := range sortedKeys(infos) {
					info := infos[p]
					fmt.Fprintf(w, "%s %s %s\n",
						cyan.Render(p),
						lightGray.Render(fmt.Sprintf("chunk %d, transfer %d, %s", info.Chunk, info.TransferID, humanize.IBytes(uint64(info.Size)))),
						gray.Render(humanize.Time(info.ModTime)))
				}
				return nil
			})
		},
	}
}

func newJournalPollsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "polls",
		Short: "List uploads the server is still assembling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, false, func(j *journal.SyncJournal) error {
				infos, err := j.GetPollInfos()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(infos) == 0 {
					fmt.Fprintln(w, gray.Render("no pending polls"))
					return nil
				}
				for _, info := range infos {
					fmt.Fprintf(w, "%s %s\n", cyan.Render(info.File), lightGray.Render(info.URL))
				}
				return nil
			})
		},
	}
}

func newJournalBlacklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blacklist",
		Short: "List paths skipped because of repeated errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, false, func(j *journal.SyncJournal) error {
				entries, err := j.ErrorBlacklist()
				if err != nil {
					return err
				}
				printBlacklist(cmd.OutOrStdout(), entries, time.Now())
				return nil
			})
		},
	}
}

func newJournalClearBlacklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-blacklist",
		Short: "Forget recorded errors so the next sync retries every path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, true, func(j *journal.SyncJournal) error {
				n, err := j.WipeErrorBlacklist()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries\n", green.Render("cleared"), n)
				return nil
			})
		},
	}
}

func printBlacklist(w io.Writer, entries []*journal.ErrorBlacklistRecord, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, gray.Render("blacklist is empty"))
		return
	}
	for _, e := range entries {
		retryAt := e.LastTryTime.Add(e.IgnoreDuration)
		when := "retry on next sync"
		if now.Before(retryAt) {
			when = "retry " + humanize.RelTime(retryAt, now, "ago", "from now")
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			cyan.Render(e.File),
			yellow.Render(fmt.Sprintf("x%d", e.RetryCount)),
			gray.Render(when),
			lightGray.Render(e.ErrorString))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
