package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"profmon-sim-go/internal/codec"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var limit int
	var codecName string
	var preview int

	cmd := &cobra.Command{
		Use:           "profmon-rawlog-dump <file.bin>",
		Short:         "Print records of a profmon-sim raw log as JSON",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := codec.ByName(codecName)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open rawlog: %w", err)
			}
			defer f.Close()
			_, err = dump(cmd.OutOrStdout(), f, c, options{limit: limit, preview: preview})
			return err
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 1, "Number of records to dump (0 for all)")
	cmd.Flags().StringVar(&codecName, "codec", codec.CBOR, "Metadata codec the log was recorded with")
	cmd.Flags().IntVar(&preview, "preview", 3, "Payload rows to include per record")
	return cmd
}
