package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"voice-transcribe-go/internal/client"
	"voice-transcribe-go/internal/manifest"
	"voice-transcribe-go/internal/session"
	"voice-transcribe-go/internal/types"
)

func (a *app) submitCmd() *cobra.Command {
	var (
		language string
		summary  bool
		detach   bool
	)
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a file and follow the job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			cur, err := a.mgr.Restore(ctx)
			if err != nil {
				return err
			}
			if cur.Active() {
				fmt.Fprintf(cmd.ErrOrStderr(), "replacing tracked job %s\n", cur.JobID)
			}

			resp, err := a.api.Submit(ctx, path, client.SubmitOptions{
				Language:        language,
				GenerateSummary: summary,
				SessionID:       cur.SessionID,
			})
			if err != nil {
				return err
			}
			if _, err := a.mgr.StartUpload(ctx, session.UploadSession{
				JobID:           resp.JobID,
				FileName:        info.Name(),
				FileSize:        info.Size(),
				FileType:        mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
				FilePath:        path,
				GenerateSummary: summary,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s (%s)\n", resp.JobID, resp.Status)
			if detach {
				return nil
			}
			return a.follow(cmd)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "spoken language, empty for server default")
	cmd.Flags().BoolVarP(&summary, "summary", "s", false, "generate a summary")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return after upload without polling")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue following the job from the last session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cur, err := a.mgr.Restore(cmd.Context())
			if err != nil {
				return err
			}
			if !cur.Active() {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to resume")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resuming %s (%s, %d%%)\n", cur.JobID, cur.FileName, cur.Progress)
			return a.follow(cmd)
		},
	}
}

// follow polls the tracked job until it is terminal.
func (a *app) follow(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	p := session.NewPoller(a.syncer, a.cfg.Client.PollInterval, func(u session.Update) {
		if u.Resubmitted {
			fmt.Fprintf(out, "source file vanished on the server, resubmitted as %s (retry %d)\n", u.Session.JobID, u.Session.RetryCount)
			return
		}
		fmt.Fprintf(out, "%-8s %3d%% %s\n", u.Job.Status, u.Job.Progress.Percentage, u.Job.Progress.Stage)
	})
	up, err := p.Run(cmd.Context())
	if errors.Is(err, session.ErrNoActiveUpload) {
		fmt.Fprintln(out, "nothing to follow")
		return nil
	}
	if client.IsNotFound(err) {
		return fmt.Errorf("job %s no longer exists on the server", up.Job.ID)
	}
	if err != nil {
		return err
	}
	return printOutcome(out, up.Job)
}

func printOutcome(w io.Writer, job types.Job) error {
	switch job.Status {
	case types.StatusSuccess:
		if job.Result == nil {
			fmt.Fprintln(w, "completed with no transcript")
			return nil
		}
		text := job.Result.IdentifiedText
		if text == "" {
			text = job.Result.CorrectedText
		}
		if text == "" {
			text = job.Result.RawText
		}
		fmt.Fprintf(w, "\n%s\n", text)
		if job.Result.Summary != "" {
			fmt.Fprintf(w, "\nSummary:\n%s\n", job.Result.Summary)
		}
		return nil
	case types.StatusFailure:
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	case types.StatusCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	}
	return nil
}

func (a *app) statusCmd() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job, by default the tracked one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cur, err := a.mgr.Restore(ctx)
			if err != nil {
				return err
			}
			id := cur.JobID
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return errors.New("no tracked job, pass a job id")
			}
			job, err := a.api.GetJob(ctx, id, cur.SessionID)
			if err != nil {
				return err
			}
			if withEvents {
				evs, err := a.api.Events(ctx, id, cur.SessionID)
				if err != nil {
					return err
				}
				job.ProcessingEvents = evs
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVarP(&withEvents, "events", "e", false, "include the processing event log")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs submitted from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cur, err := a.mgr.Restore(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.api.List(cmd.Context(), limit, cur.SessionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(out, "%-40s %-9s %3d%% %s\n", j.ID, j.Status, j.Progress.Percentage, j.FileName)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Delete a job and stop tracking it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cur, err := a.mgr.Restore(ctx)
			if err != nil {
				return err
			}
			id := cur.JobID
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return errors.New("no tracked job, pass a job id")
			}
			if err := a.api.Cancel(ctx, id, cur.SessionID); err != nil && !client.IsNotFound(err) {
				return err
			}
			if id == cur.JobID {
				if err := a.mgr.CancelUpload(ctx); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
			return nil
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one background sync of the tracked job (for cron or systemd timers)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task := session.NewBackgroundTask(a.syncer)
			out := cmd.OutOrStdout()
			unsubscribe := task.Subscribe(func(m session.Message) {
				if err := writeJSON(out, m); err != nil {
					a.log.WithError(err).Warn("failed to write sync message")
				}
			})
			defer unsubscribe()
			return task.Run(cmd.Context())
		},
	}
}

func (a *app) batchCmd() *cobra.Command {
	var (
		report   string
		language string
	)
	cmd := &cobra.Command{
		Use:   "batch <manifest.xlsx>",
		Short: "Submit every file listed in a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			entries, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			cur, err := a.mgr.Restore(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			results := make([]manifest.Result, 0, len(entries))
			for _, e := range entries {
				if ctx.Err() != nil {
					break
				}
				lang := e.Language
				if lang == "" {
					lang = language
				}
				res := manifest.Result{Entry: e}
				resp, err := a.api.Submit(ctx, e.Path, client.SubmitOptions{
					Language:        lang,
					GenerateSummary: e.GenerateSummary,
					SessionID:       cur.SessionID,
				})
				if err != nil {
					res.Status, res.Error = "ERROR", err.Error()
					a.log.WithField("path", e.Path).WithError(err).Warn("batch submission failed")
				} else {
					res.JobID, res.Status = resp.JobID, string(resp.Status)
				}
				fmt.Fprintf(out, "row %-4d %-9s %s %s\n", e.Row, res.Status, e.Path, res.JobID)
				results = append(results, res)
			}

			sum := manifest.Summarize(results)
			fmt.Fprintf(out, "%d submitted, %d failed\n", sum.Total-sum.ByStatus["ERROR"], sum.ByStatus["ERROR"])
			if report != "" {
				if err := manifest.WriteReport(report, results); err != nil {
					return err
				}
				fmt.Fprintf(out, "report written to %s\n", report)
			}
			return ctx.Err()
		},
	}
	cmd.Flags().StringVarP(&report, "report", "r", "", "write an xlsx report of job ids to this path")
	cmd.Flags().StringVarP(&language, "language", "l", "", "language for rows that leave it empty")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
