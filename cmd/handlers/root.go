/*
Copyright © 2025 Your Name

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package handlers

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/logger"
)

var (
	cfgFile string
	cached  bool
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// errUsage is returned after the usage text has been printed.
var errUsage = errors.New("no command given")

// NewRootCmd creates the ainews command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ainews [daily|weekly|reconcile]",
		Short: "Curate, illustrate and send the AI newsletter",
		Long: `ainews - AI news curation and delivery

Reads the AI newsletters that arrived in the mailbox since the last issue,
lets a generative model select, merge and rank the news, illustrates the
issue, sends it to the subscribers and processes delivery failures.

Examples:
  # Produce and send today's issue
  ainews daily

  # Rerun this week's issue, reusing everything that already succeeded
  ainews weekly --cached

  # Only process delivery-failure notices
  ainews reconcile`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_ = cmd.Usage()
				return &exitError{code: 1, err: errUsage}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalid command: %s\n", args[0])
			return &exitError{code: 1, err: errors.Newf("invalid command %q", args[0])}
		},
	}
	rootCmd.SetOut(os.Stdout)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ainews.yaml)")
	rootCmd.PersistentFlags().BoolVar(&cached, "cached", false, "reuse artifacts of an earlier run for this period")

	// Add subcommands
	rootCmd.AddCommand(NewRunCmd("daily"))
	rootCmd.AddCommand(NewRunCmd("weekly"))
	rootCmd.AddCommand(NewReconcileCmd())

	return rootCmd
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	ctx, stop := signalContext()
	defer stop()

	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	// errors from cobra itself, such as an unknown flag
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, logger.New(config.Logging{Level: "info", Format: "console"}), err
	}
	log := logger.New(cfg.Logging)
	if cfg.App.ConfigFile != "" {
		log.Debug().Str("file", cfg.App.ConfigFile).Msg("Loaded config file")
	}
	return cfg, log, nil
}

// fail logs a fatal error with its stack trace and turns it into exit code 1.
func fail(log zerolog.Logger, msg string, err error) error {
	log.Error().Stack().Err(err).Msg(msg)
	for _, hint := range errors.GetAllHints(err) {
		log.Info().Msg(hint)
	}
	return &exitError{code: 1, err: err}
}

// closeWith runs close and logs its failure.
func closeWith(log zerolog.Logger, closeFn func() error) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		log.Warn().Err(err).Msg("Closing failed")
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
