package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/database"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/notify"
	"github.com/jmylchreest/hlsforge/internal/queue"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/pkg/format"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect durable queue records",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the jobs of a durable queue",
	Long: `List the records of a database-backed queue.

The transcode queue only holds records in distributed mode; the notify queue
holds webhook deliveries in either mode.`,
	Example: `  hlsforge jobs list
  hlsforge jobs list --queue notify --status failed`,
	RunE: runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)

	jobsListCmd.Flags().String("queue", queue.TranscodeQueueName, "queue name ("+queue.TranscodeQueueName+", "+notify.QueueName+")")
	jobsListCmd.Flags().StringSlice("status", nil, "only show these statuses (pending, scheduled, running, completed, failed, cancelled)")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	queueName, _ := cmd.Flags().GetString("queue")
	rawStatuses, _ := cmd.Flags().GetStringSlice("status")
	statuses := make([]models.QueueJobStatus, 0, len(rawStatuses))
	for _, s := range rawStatuses {
		statuses = append(statuses, models.QueueJobStatus(strings.ToLower(s)))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.New(cfg.Database, nil, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	repo := repository.NewQueueJobRepository(db.DB)
	jobs, err := repo.List(ctx, queueName, statuses...)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	counts, err := repo.CountByStatus(ctx, queueName)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}

	return writeJobs(cmd.OutOrStdout(), jobs, counts, time.Now())
}

func writeJobs(w io.Writer, jobs []*models.QueueJob, counts map[models.QueueJobStatus]int64, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tATTEMPTS\tCREATED\tDURATION\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			job.Key,
			job.Status,
			job.AttemptCount, job.MaxAttempts,
			format.RelativeTimeShort(job.CreatedAt, now),
			jobDuration(job),
			truncate(job.LastError, 60),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	keys := make([]string, 0, len(counts))
	for status := range counts {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, format.Number(counts[models.QueueJobStatus(k)])))
	}
	_, err := fmt.Fprintf(w, "\n%s jobs shown; %s\n", format.Number(int64(len(jobs))), strings.Join(parts, " "))
	return err
}

func jobDuration(job *models.QueueJob) string {
	if job.DurationMs <= 0 {
		return "-"
	}
	return (time.Duration(job.DurationMs) * time.Millisecond).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
