package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/async"
	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/session"
)

func downloadCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "add downloads and work through the queue until they finish",
		ArgsUsage: "URL...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Usage: "yt-dlp format `SELECTOR`"},
			&cli.StringFlag{Name: "subtitles", Usage: "comma-separated subtitle `LANGS`"},
			&cli.StringFlag{Name: "playlist-items", Usage: "comma-separated playlist `INDICES`"},
			&cli.StringFlag{Name: "output-format", Usage: "convert to `FORMAT`"},
			&cli.StringFlag{Name: "sponsorblock", Usage: "`MODE` for sponsor segments (remove or mark)"},
			&cli.StringFlag{Name: "custom-command", Usage: "use the custom command template `ID`"},
			&cli.BoolFlag{Name: "detach", Usage: "queue downloads for a later \"dlqueue run\" instead of running them now"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("at least one URL is required")
			}
			return withSession(ctx, c, c.Bool("detach"), func(ses *session.Session) error {
				log := zap.S()
				urls := c.Args().Slice()
				// Metadata lookups are slow, so start everything at once
				results := make([]<-chan generic.Result[session.Record], len(urls))
				for i, url := range urls {
					req := session.StartRequest{
						URL:             url,
						Format:          c.String("format"),
						Subtitles:       c.String("subtitles"),
						PlaylistIndices: c.String("playlist-items"),
						CustomCommandID: c.String("custom-command"),
						Config: dlqueue.DownloadConfig{
							OutputFormat: c.String("output-format"),
							Sponsorblock: c.String("sponsorblock"),
						},
					}
					results[i] = async.RunResult(func() (session.Record, error) { return ses.Start(ctx, req) })
				}
				ids := generic.NewSet[session.DownloadID]()
				var failed error
				for i, result := range results {
					rec, err := (<-result).Parts()
					if err != nil {
						failed = multierror.Append(failed, fmt.Errorf("failed to add %s: %w", urls[i], err))
						continue
					}
					log.Infof("Added %s as %s (%s)", urls[i], rec.ID, rec.Status)
					ids.Add(rec.ID)
				}
				if failed != nil {
					log.Error(failed.Error())
				}
				if ids.Count() == 0 {
					return failed
				}
				if c.Bool("detach") {
					return nil
				}
				// Closing the session pauses whatever is still running, so see the whole queue through
				others, err := unfinished(ses)
				if err != nil {
					return err
				}
				for _, id := range others.ToSlice() {
					ids.Add(id)
				}
				return watch(ctx, ses, ids)
			})
		},
	}
}

func resumeCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "resume paused downloads (all of them if no IDs are given) and wait for them to finish",
		ArgsUsage: "[ID...]",
		Action: func(c *cli.Context) error {
			return withSession(ctx, c, false, func(ses *session.Session) error {
				log := zap.S()
				var ids []session.DownloadID
				for _, id := range c.Args().Slice() {
					ids = append(ids, session.DownloadID(id))
				}
				if len(ids) == 0 {
					records, err := ses.ListDownloads()
					if err != nil {
						return err
					}
					for _, rec := range records {
						if rec.Status == session.StatusPaused {
							ids = append(ids, rec.ID)
						}
					}
				}
				watching := generic.NewSet[session.DownloadID]()
				for _, id := range ids {
					rec, err := ses.Resume(id)
					if err != nil {
						log.Errorf("Failed to resume %s: %v", id, err)
						continue
					}
					log.Infof("Resumed %s (%s)", id, rec.Status)
					watching.Add(id)
				}
				return watch(ctx, ses, watching)
			})
		},
	}
}

func runCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "work through the queue until nothing is left to do",
		Action: func(c *cli.Context) error {
			return withSession(ctx, c, false, func(ses *session.Session) error {
				ids, err := unfinished(ses)
				if err != nil {
					return err
				}
				zap.S().Infof("%d download(s) to run", ids.Count())
				return watch(ctx, ses, ids)
			})
		},
	}
}

func listCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list downloads",
		Action: func(c *cli.Context) error {
			return withSession(ctx, c, true, func(ses *session.Session) error {
				records, err := ses.ListDownloads()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tQUEUE\tPROGRESS\tSIZE\tTITLE")
				for _, rec := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						rec.ID, rec.Status, queuePosition(rec), percent(rec), size(rec), displayName(rec))
				}
				return w.Flush()
			})
		},
	}
}

func cancelCommand(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cancel and forget downloads that aren't running",
		ArgsUsage: "ID...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("at least one ID is required")
			}
			return withSession(ctx, c, true, func(ses *session.Session) error {
				for _, id := range c.Args().Slice() {
					if _, err := ses.Cancel(session.DownloadID(id)); err != nil {
						return fmt.Errorf("failed to cancel %s: %w", id, err)
					}
					zap.S().Infof("Cancelled %s", id)
				}
				return nil
			})
		},
	}
}

// unfinished returns the downloads that are queued or running.
func unfinished(ses *session.Session) (generic.Set[session.DownloadID], error) {
	records, err := ses.ListDownloads()
	if err != nil {
		return nil, err
	}
	ids := generic.NewSet[session.DownloadID]()
	for _, rec := range records {
		if rec.Status == session.StatusQueued || rec.Status.IsActive() {
			ids.Add(rec.ID)
		}
	}
	return ids, nil
}

func queuePosition(rec session.Record) string {
	if rec.QueueIndex == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *rec.QueueIndex+1)
}

func percent(rec session.Record) string {
	if rec.Status == session.StatusCompleted {
		return "100%"
	}
	if rec.Progress.Percent == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *rec.Progress.Percent)
}

func size(rec session.Record) string {
	switch {
	case rec.Filesize != nil:
		return humanize.IBytes(uint64(*rec.Filesize))
	case rec.Progress.Total != nil:
		return humanize.IBytes(uint64(*rec.Progress.Total))
	default:
		return "-"
	}
}

func displayName(rec session.Record) string {
	if rec.Title != "" {
		return rec.Title
	}
	return rec.URL
}
