package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/paq/gitpack/plumbing/format/midx"
	"github.com/paq/gitpack/plumbing/progress"
)

func newFastCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fast <midx>",
		Short: "Structurally verify a multi-pack-index without opening any pack",
		Long: `
Checks the checksum, the fan table, oid ordering and every entry's
pack offset against its referenced per-pack index, but never opens a
.pack file. This is the check a routine "write the midx, then verify
it" step should run; see the deep subcommand for the slower,
object-by-object pass.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openMIDX(args[0])
			if err != nil {
				return err
			}

			v := midx.NewVerifier()
			outcome, err := v.VerifyIntegrityFast(cmd.Context(), f, progress.Noop)
			if err != nil {
				return err
			}
			log.Info().
				Str("checksum", outcome.ChecksumComputed.String()).
				Uint32("objects", f.ObjectCount()).
				Uint32("packs", f.IndexCount()).
				Msg("fast verification passed")
			return nil
		},
	}
}
