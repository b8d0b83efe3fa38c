// Command gitpack-verify is a thin CLI over the midx.Verifier and
// idxfile/packfile readers: three subcommands mapping directly onto
// the three public verification depths the core library exposes.
//
// This binary, and everything under this directory, is outside the
// core contract (spec §6: "No CLI... owned by the core"); it exists so
// the library has an operator-facing entry point the way restic's
// cmd/restic sits over restic's internal packages.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

func init() {
	// Silent by default; only log output from our own subcommands ever
	// reaches the terminal, matching restic's rationale for not wanting
	// automaxprocs' own log lines.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "gitpack-verify",
	Short:         "Verify a multi-pack-index against its pack set",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			Level(level).
			With().Timestamp().Logger()
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log per-pack timing at debug level")
	rootCmd.AddCommand(newChecksumCommand())
	rootCmd.AddCommand(newFastCommand())
	rootCmd.AddCommand(newDeepCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("verification failed")
		os.Exit(1)
	}
}
