package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/arloliu/go-fieldbus/eip"
	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/logger"
)

// withConnection connects to connString, runs fn and closes the connection.
func withConnection(ctx context.Context, flags *globalFlags, connString string, fn func(context.Context, *fieldbus.Connection) error) error {
	level, err := logger.ParseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	l := logger.NewSlogWithWriter(os.Stderr, level, false)

	pool, err := fieldbus.NewPool(ctx,
		fieldbus.WithLogger(l),
		fieldbus.WithConnectTimeout(flags.timeout),
		fieldbus.WithRequestTimeout(flags.timeout),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			l.Warn("failed to close connections", "error", err)
		}
	}()

	if err := pool.RegisterDriver(eip.NewDriver()); err != nil {
		return err
	}

	// connect plus one operation
	ctx, cancel := context.WithTimeout(ctx, 2*flags.timeout)
	defer cancel()

	conn, err := pool.Get(ctx, connString)
	if err != nil {
		return fmt.Errorf("connect %s: %w", connString, err)
	}

	return fn(ctx, conn)
}

// printResults writes one line per tag sorted by name and returns the number of failed tags.
func printResults(w io.Writer, results map[string]fieldbus.TagResult, showValue bool) int {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	slices.Sort(names)

	failed := 0
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		res := results[name]
		switch {
		case !res.OK():
			failed++
			if res.Err != nil {
				fmt.Fprintf(tw, "%s\t%s\t%v\n", name, res.Code, res.Err)
			} else {
				fmt.Fprintf(tw, "%s\t%s\t\n", name, res.Code)
			}
		case showValue:
			fmt.Fprintf(tw, "%s\t%s\t%s\n", name, res.Code, res.Value)
		default:
			fmt.Fprintf(tw, "%s\t%s\t\n", name, res.Code)
		}
	}
	_ = tw.Flush()

	return failed
}
