// Package agentcontrol implements the newrelic-agent-control command.
package agentcontrol

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newrelic/newrelic-agent-control/pkg/version"
)

// BSD sysexits used by the binary.
const (
	ExitOK              = 0
	ExitRuntimeError    = 1
	ExitInvalidInput    = 65
	ExitMissingFile     = 66
	ExitPrecondition    = 69
	ExitLoggingInit     = 70
	ExitDeletionFailure = 71
)

// ExitError carries the process exit code alongside the cause.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

type options struct {
	configPath   string
	printVersion bool
	printDebug   bool
}

// App builds the root command.
func App() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "newrelic-agent-control",
		Short:         "Supervises New Relic sub-agents on a host or cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.printVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version.FriendlyVersion())
				return nil
			}
			return start(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to the local config file")
	cmd.Flags().BoolVar(&opts.printVersion, "print-version", false, "print the version and exit")
	cmd.Flags().BoolVar(&opts.printDebug, "print-debug", false, "force debug logging")
	return cmd
}
