package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/saworbit/pagekeeper/internal/metrics"
	"github.com/saworbit/pagekeeper/internal/version"
	"github.com/saworbit/pagekeeper/pkg/config"
	"github.com/saworbit/pagekeeper/pkg/digest"
	"github.com/saworbit/pagekeeper/pkg/scheduler"
	"github.com/saworbit/pagekeeper/pkg/web"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "pagekeeper",
		Short:         "PageKeeper - versioned web page archive",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.stateDir, "state-dir", "", "Directory where the Pebble archive is stored")
	root.PersistentFlags().StringVar(&g.sitesFile, "sites", "", "JSON or YAML list of pages to archive")

	root.AddCommand(
		newArchiveCmd(g),
		newRunCmd(g),
		newPagesCmd(g),
		newHistoryCmd(g),
		newShowCmd(g),
		newCompareCmd(g),
		newVerifyCmd(g),
		newCompactCmd(g),
		newStatsCmd(g),
		newServeCmd(g),
	)
	return root
}

func newArchiveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Fetch every listed page once and store new versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			sites, err := loadSites(cfg)
			if err != nil {
				return err
			}
			a, err := openArchive(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			report, err := sched.RunCycle(cmd.Context(), sites)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if n := report.Count(scheduler.StatusFailed); n == len(report.Pages) {
				return errors.Newf("all %d pages failed", n)
			}
			return nil
		},
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Archive periodically, reloading the sites file when it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			sites, err := loadSites(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openArchive(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			updates, err := config.WatchSites(ctx, cfg.SitesFile, logger)
			if err != nil {
				return err
			}

			if cfg.MetricsAddr != "" {
				go func() {
					if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
						logger.Error("metrics server stopped", "err", err)
					}
				}()
			}
			if serve {
				go func() {
					if err := web.New(a.store, a.rec, logger).Serve(ctx, cfg.ListenAddr); err != nil {
						logger.Error("browser stopped", "err", err)
					}
				}()
			}

			metrics.SetUp(true)
			defer metrics.SetUp(false)
			return sched.Run(ctx, cfg.Interval, sites, updates, func(r scheduler.Report) {
				publishStoreMetrics(ctx, a, logger)
			})
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "Also serve the read-only browser on the listen address")
	return cmd
}

func publishStoreMetrics(ctx context.Context, a *archive, logger *slog.Logger) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		logger.Warn("store stats unavailable", "err", err)
		return
	}
	metrics.SetStoreSize("logical", stats.LogicalBytes)
	metrics.SetStoreSize("stored", stats.StoredBytes)
	metrics.SetStoreSize("disk", int64(stats.DiskBytes))
}

func newPagesCmd(g *globalFlags) *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "pages",
		Short: "List archived pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openReadOnly()
			if err != nil {
				return err
			}
			defer a.Close()

			pages, err := a.store.ListPages(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PAGE\tSUBDOMAIN\tVERSIONS\tLAST CHANGE")
			needle := strings.ToLower(query)
			for _, p := range pages {
				if needle != "" && !strings.Contains(strings.ToLower(p.ID), needle) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, dash(p.Subdomain), p.Versions, humanize.Time(p.LastChange))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Only list pages whose URL contains this text")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <url>",
		Short: "List the versions of a page, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openReadOnly()
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.store.History(cmd.Context(), pageID(args[0]))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tCAPTURED\tKIND\tHASH\tSIZE\tSTORED")
			for i := len(infos) - 1; i >= 0; i-- {
				info := infos[i]
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					info.Seq,
					info.CapturedAt.UTC().Format(time.RFC3339),
					info.Kind,
					digest.Short(info.ContentHash),
					humanize.IBytes(uint64(info.Size)),
					humanize.IBytes(uint64(info.StoredSize)))
			}
			return tw.Flush()
		},
	}
}

func newShowCmd(g *globalFlags) *cobra.Command {
	var seq int64
	var out string

	cmd := &cobra.Command{
		Use:   "show <url>",
		Short: "Print a stored version of a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openReadOnly()
			if err != nil {
				return err
			}
			defer a.Close()

			id := pageID(args[0])
			ctx := cmd.Context()
			var content []byte
			if seq < 0 {
				v, err := a.rec.MaterializeLatest(ctx, id)
				if err != nil {
					return err
				}
				content = v.Content
			} else {
				v, err := a.rec.Materialize(ctx, id, uint64(seq))
				if err != nil {
					return err
				}
				content = v.Content
			}

			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(content)
				return err
			}
			return os.WriteFile(out, content, 0o644)
		},
	}
	cmd.Flags().Int64Var(&seq, "version", -1, "Version number (default latest)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to a file instead of stdout")
	return cmd
}

func newCompareCmd(g *globalFlags) *cobra.Command {
	var from, to int64

	cmd := &cobra.Command{
		Use:   "compare <url>",
		Short: "Show a unified diff between two versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openReadOnly()
			if err != nil {
				return err
			}
			defer a.Close()

			id := pageID(args[0])
			ctx := cmd.Context()
			if to < 0 {
				latest, ok, err := a.store.LatestSequence(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Newf("no versions stored for %s", id)
				}
				to = int64(latest)
			}
			if from < 0 {
				from = to - 1
			}
			if from < 0 {
				return errors.Newf("%s has a single version", id)
			}

			diff, err := a.rec.Compare(ctx, id, uint64(from), uint64(to))
			if err != nil {
				return err
			}
			if diff == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "versions %d and %d are identical\n", from, to)
				return nil
			}
			_, err = io.WriteString(cmd.OutOrStdout(), diff)
			return err
		},
	}
	cmd.Flags().Int64Var(&from, "from", -1, "Older version (default: the one before --to)")
	cmd.Flags().Int64Var(&to, "to", -1, "Newer version (default latest)")
	return cmd
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [url...]",
		Short: "Replay chains and check every content hash and chain root",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openReadOnly()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			ids := make([]string, 0, len(args))
			for _, arg := range args {
				ids = append(ids, pageID(arg))
			}
			if len(ids) == 0 {
				pages, err := a.store.ListPages(ctx)
				if err != nil {
					return err
				}
				for _, p := range pages {
					ids = append(ids, p.ID)
				}
			}

			w := cmd.OutOrStdout()
			corrupt := 0
			for _, id := range ids {
				n, err := a.rec.VerifyChain(ctx, id)
				if err != nil {
					corrupt++
					fmt.Fprintf(w, "FAIL %s after %d versions: %v\n", id, n, err)
					continue
				}
				fmt.Fprintf(w, "ok   %s (%d versions)\n", id, n)
			}
			if corrupt > 0 {
				return errors.Newf("%d of %d chains failed verification", corrupt, len(ids))
			}
			return nil
		},
	}
}

func newCompactCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [url]",
		Short: "Compact the archive, or a single page's key range",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			a, err := openArchive(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			before, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				err = a.store.Compact(cmd.Context(), pageID(args[0]))
			} else {
				err = a.store.CompactAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			after, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disk usage %s -> %s\n",
				humanize.IBytes(before.DiskBytes), humanize.IBytes(after.DiskBytes))
			return nil
		},
	}
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise archive size and savings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openReadOnly()
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "pages:     %s\n", humanize.Comma(int64(s.Pages)))
			fmt.Fprintf(w, "versions:  %s (%s snapshots, %s deltas)\n",
				humanize.Comma(int64(s.Nodes)), humanize.Comma(int64(s.Snapshots)), humanize.Comma(int64(s.Deltas)))
			fmt.Fprintf(w, "logical:   %s\n", humanize.IBytes(uint64(s.LogicalBytes)))
			fmt.Fprintf(w, "stored:    %s (%.1f%% saved)\n", humanize.IBytes(uint64(s.StoredBytes)), 100*s.SavedRatio())
			fmt.Fprintf(w, "disk:      %s\n", humanize.IBytes(s.DiskBytes))
			return nil
		},
	}
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only archive browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			a, err := openArchive(cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return web.New(a.store, a.rec, logger).Serve(ctx, cfg.ListenAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides listen_addr)")
	return cmd
}

func (g *globalFlags) openReadOnly() (*archive, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	return openArchive(cfg, logger, true)
}

func printReport(w io.Writer, r scheduler.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tSTATUS\tVERSION\tSIZE\tSTORED\tSAVED")
	for _, p := range r.Pages {
		switch p.Status() {
		case scheduler.StatusAppended:
			st := p.Outcome.Stats
			saved := 0.0
			if st.NewSize > 0 {
				saved = 100 * (1 - st.CompressionRate)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%.1f%%\n",
				p.Site.URL, p.Status(), p.Outcome.Seq,
				humanize.IBytes(uint64(st.NewSize)), humanize.IBytes(uint64(st.DeltaSize)), saved)
		case scheduler.StatusUnchanged:
			fmt.Fprintf(tw, "%s\t%s\t%d\t-\t-\t-\n", p.Site.URL, p.Status(), p.Outcome.Seq)
		case scheduler.StatusFailed:
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t%v\n", p.Site.URL, p.Status(), p.Err)
		default:
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\n", p.Site.URL, p.Status())
		}
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d appended, %d unchanged, %d not modified, %d failed in %s (run %s)\n",
		r.Count(scheduler.StatusAppended), r.Count(scheduler.StatusUnchanged),
		r.Count(scheduler.StatusNotModified), r.Count(scheduler.StatusFailed),
		r.Duration.Round(time.Millisecond), r.RunID)
}

// pageID maps a command-line URL onto the stored page id.
func pageID(arg string) string {
	if id, err := config.NormalizeURL(arg); err == nil {
		return id
	}
	return arg
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
