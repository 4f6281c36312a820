package handlers

import (
	"github.com/spf13/cobra"

	"github.com/hpharmsen/ainews/internal/pipeline"
)

// NewReconcileCmd creates the command that only processes delivery failures
func NewReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Process delivery-failure notices",
		Long: `Process the delivery-failure notices in the inbox.

Each failure counts against the recipient; a recipient that reaches the
threshold is marked undeliverable. Rejections that blame the message
rather than the address are removed without counting. A newsletter run
does this automatically after sending.`,
		Args: cobra.NoArgs,
		RunE: runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return fail(log, "Failed to load configuration", err)
	}

	ctx := contextOf(cmd)
	reconciler, closeFn, err := pipeline.NewBuilder(cfg, log).BuildReconciler(ctx)
	if err != nil {
		return fail(log, "Failed to initialize", err)
	}
	defer closeWith(log, closeFn)

	// a mailbox that cannot be reached is reported but is not a failure;
	// the notices stay until the next pass
	report, err := reconciler.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not process failure notices")
		return nil
	}
	log.Info().
		Int("notices", report.Notices).
		Int("undeliverable", len(report.Undeliverable)).
		Msg("Done")
	return nil
}
