package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/paq/gitpack/plumbing/format/midx"
	"github.com/paq/gitpack/plumbing/progress"
)

func newChecksumCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <midx>",
		Short: "Recompute and compare the multi-pack-index's trailing checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openMIDX(args[0])
			if err != nil {
				return err
			}

			v := midx.NewVerifier()
			sum, err := v.VerifyChecksum(cmd.Context(), f, progress.Noop)
			if err != nil {
				return err
			}
			log.Info().Str("checksum", sum.String()).Msg("checksum verified")
			return nil
		},
	}
}
