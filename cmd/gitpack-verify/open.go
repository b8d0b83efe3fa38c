package main

import (
	"fmt"
	"os"

	"github.com/paq/gitpack/plumbing/format/midx"
)

// openMIDX opens and parses the multi-pack-index at path, the one
// piece of filesystem plumbing every subcommand needs before it can
// call into the midx package.
func openMIDX(path string) (*midx.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return midx.Open(f, path)
}
