package handlers

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/pipeline"
)

// NewRunCmd creates the command that produces and sends one issue of schedule
func NewRunCmd(schedule string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   schedule,
		Short: fmt.Sprintf("Produce and send the %s issue", schedule),
		Long: fmt.Sprintf(`Produce and send the %s issue.

The run collects the news mails since the last %s issue, ranks and
summarizes them, generates the illustration and the infographic, stores
the issue, sends it to the %s subscribers and finally processes the
delivery failures that came back.

With --cached every artifact that an earlier run for the same period
produced is reused, so a failed run can be resumed without repeating
model calls, image generation or uploads.`, schedule, schedule, schedule),
		Args: cobra.NoArgs,
		RunE: runIssue,
	}
	return cmd
}

func runIssue(cmd *cobra.Command, args []string) error {
	schedule, err := core.ParseSchedule(cmd.Name())
	if err != nil {
		return err
	}

	cfg, log, err := setup()
	if err != nil {
		return fail(log, "Failed to load configuration", err)
	}
	log = log.With().Str("schedule", string(schedule)).Logger()

	ctx := contextOf(cmd)
	p, closeFn, err := pipeline.NewBuilder(cfg, log).WithCache(cached).Build(ctx)
	if err != nil {
		return fail(log, "Failed to initialize", err)
	}
	defer closeWith(log, closeFn)

	res, err := p.Run(ctx, schedule)
	if err != nil {
		return fail(log, "Newsletter run failed", err)
	}

	log.Info().
		Str("title", res.Title).
		Int("articles", len(res.Articles)).
		Int("sent", res.Delivery.Sent).
		Int("failed", res.Delivery.Failed).
		Int("undeliverable", len(res.Bounces.Undeliverable)).
		Str("preview", res.PreviewPath).
		Msg("Done")
	return nil
}
