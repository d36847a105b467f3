package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-fieldbus/eip"
	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/plcvalue"
)

func newWriteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "write <connection-string> <address> <value>",
		Short: "Write one tag",
		Long: `Write one tag. The address must declare its data type, e.g. Recipe.Setpoint:DINT.
Arrays take comma separated values, timestamps take RFC 3339.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[1]
			value, err := parseWriteValue(address, args[2])
			if err != nil {
				return err
			}

			return withConnection(cmd.Context(), flags, args[0], func(ctx context.Context, conn *fieldbus.Connection) error {
				fut, err := conn.Write(fieldbus.WriteRequest{Name: address, Address: address, Value: value})
				if err != nil {
					return err
				}
				res, err := fut.Await(ctx)
				if err != nil {
					return err
				}

				if failed := printResults(cmd.OutOrStdout(), res, false); failed > 0 {
					return fmt.Errorf("write %s failed", address)
				}

				return nil
			})
		},
	}
}

// parseWriteValue parses text as a value of the data type declared by address.
func parseWriteValue(address string, text string) (plcvalue.Value, error) {
	tag, err := eip.ParseTag(address)
	if err != nil {
		return plcvalue.Null(), err
	}

	kind := tag.DataType().Kind()
	if kind == plcvalue.KindNull {
		return plcvalue.Null(), fmt.Errorf("address %q must declare a data type, e.g. %s:DINT", address, tag)
	}

	if tag.Count() > 1 {
		v, err := plcvalue.ParseList(kind, text)
		if err != nil {
			return plcvalue.Null(), err
		}
		if v.Len() != tag.Count() {
			return plcvalue.Null(), fmt.Errorf("address %q takes %d values, got %d", address, tag.Count(), v.Len())
		}
		return v, nil
	}

	return plcvalue.Parse(kind, text)
}
