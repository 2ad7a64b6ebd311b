package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/swissdisk/swissdisk/internal/client"
	"github.com/swissdisk/swissdisk/internal/client/propagator"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var manifestPath string
	var maxPasses int
	var minFileAge time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync [manifest]",
		Short: "Propagate the differences listed in a manifest",
		Long: `Propagate the differences listed in a JSON or YAML manifest to the server
and the local directory. The manifest is reread when a pass asks for another sync.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				manifestPath = args[0]
			}
			if manifestPath == "" {
				return errors.New("a manifest is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			c, err := client.New(cfg,
				client.WithPasswordPrompt(terminalPasswordPrompt),
				client.WithMaxPasses(maxPasses),
				client.WithMinFileAge(minFileAge),
			)
			if err != nil {
				return err
			}

			if err := c.Open(cmd.Context()); err != nil {
				return err
			}
			defer c.Close()

			report, err := c.Sync(cmd.Context(), client.FileManifest{Path: manifestPath})
			if report != nil {
				if asJSON {
					if err := printReportJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					printReport(cmd.OutOrStdout(), report)
				}
			}
			if err != nil {
				return err
			}

			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d items failed", len(failed), len(report.Last().Items))
			}
			slog.Debug("sync done", "passes", len(report.Passes))
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file (.json, .yaml)")
	cmd.Flags().IntVar(&maxPasses, "max-passes", client.DefaultMaxPasses, "upper bound of propagation passes")
	cmd.Flags().DurationVar(&minFileAge, "min-file-age", propagator.DefaultMinFileAge, "skip uploads of files modified more recently")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as json")

	return cmd
}

func printReport(w io.Writer, report *client.Report) {
	conn := report.Connection
	if conn.Server != nil {
		fmt.Fprintf(w, "%s %s %s\n", gray.Render("Server"), cyan.Render(conn.Server.VersionString), lightGray.Render(conn.Status.String()))
	} else {
		fmt.Fprintf(w, "%s %s\n", gray.Render("Server"), red.Render(conn.Status.String()))
	}
	for _, msg := range conn.Errors {
		fmt.Fprintf(w, "  %s\n", red.Render(msg))
	}

	last := report.Last()
	if last == nil {
		return
	}

	var transferred int64
	counts := map[propagator.Status]int{}
	for _, it := range last.Items {
		counts[it.Status]++
		if it.Status == propagator.StatusSuccess && !it.IsDirectory() {
			transferred += it.Size
		}
		fmt.Fprintf(w, "%s %-8s %-4s %s", statusLabel(it.Status), it.Instruction, it.Direction, it.File)
		if it.RenameTarget != "" {
			fmt.Fprintf(w, " -> %s", it.RenameTarget)
		}
		if it.ErrorString != "" {
			fmt.Fprintf(w, " %s", lightGray.Render(it.ErrorString))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n%s %d ok, %d skipped, %d failed, %s in %d pass(es)\n",
		gray.Render("Done"),
		counts[propagator.StatusSuccess],
		counts[propagator.StatusSoftError]+counts[propagator.StatusNoStatus],
		counts[propagator.StatusNormalError]+counts[propagator.StatusFatalError],
		humanize.IBytes(uint64(transferred)),
		len(report.Passes))
	if last.AnotherSyncNeeded {
		fmt.Fprintln(w, yellow.Render("Another sync is needed"))
	}
}

func statusLabel(s propagator.Status) string {
	label := fmt.Sprintf("%-12s", s)
	switch s {
	case propagator.StatusSuccess:
		return green.Render(label)
	case propagator.StatusSoftError, propagator.StatusNoStatus:
		return yellow.Render(label)
	default:
		return red.Render(label)
	}
}

type jsonReport struct {
	Connection        string                 `json:"connection"`
	Errors            []string               `json:"errors,omitempty"`
	ServerVersion     string                 `json:"server_version,omitempty"`
	Passes            int                    `json:"passes"`
	AnotherSyncNeeded bool                   `json:"another_sync_needed"`
	Items             []*propagator.SyncItem `json:"items"`
}

func printReportJSON(w io.Writer, report *client.Report) error {
	out := jsonReport{
		Connection:        report.Connection.Status.String(),
		Errors:            report.Connection.Errors,
		Passes:            len(report.Passes),
		AnotherSyncNeeded: report.AnotherSyncNeeded(),
		Items:             []*propagator.SyncItem{},
	}
	if s := report.Connection.Server; s != nil {
		out.ServerVersion = s.Version
	}
	if last := report.Last(); last != nil {
		out.Items = last.Items
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
