package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-fieldbus/fieldbus"
)

func newReadCmd(flags *globalFlags) *cobra.Command {
	var tagsFile string

	cmd := &cobra.Command{
		Use:   "read <connection-string> [name=address]...",
		Short: "Read tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := parseTagArgs(args[1:])
			if err != nil {
				return err
			}
			if tagsFile != "" {
				fromFile, err := loadTagFile(tagsFile)
				if err != nil {
					return err
				}
				reqs = append(reqs, fromFile...)
			}
			if len(reqs) == 0 {
				return errNoTags
			}

			return withConnection(cmd.Context(), flags, args[0], func(ctx context.Context, conn *fieldbus.Connection) error {
				fut, err := conn.Read(reqs...)
				if err != nil {
					return err
				}
				res, err := fut.Await(ctx)
				if err != nil {
					return err
				}

				if failed := printResults(cmd.OutOrStdout(), res, true); failed > 0 {
					return fmt.Errorf("%d of %d tags failed", failed, len(res))
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tagsFile, "tags-file", "", "YAML file listing tags to read")

	return cmd
}
