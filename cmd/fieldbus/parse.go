package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/arloliu/go-fieldbus/eip"
)

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <address>...",
		Short: "Validate EtherNet/IP tag addresses and print their normalized form",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs error

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, address := range args {
				tag, err := eip.ParseTag(address)
				if err != nil {
					errs = multierr.Append(errs, err)
					continue
				}

				dataType := "-"
				if tag.DataType() != 0 {
					dataType = tag.DataType().String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", tag, dataType, tag.Count(), eip.RequestPathSize(tag))
			}
			_ = tw.Flush()

			return errs
		},
	}
}
