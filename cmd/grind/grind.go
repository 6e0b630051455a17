// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/google/syzygy-sub005/events"
	"github.com/google/syzygy-sub005/grinder"
)

type grindCmd struct {
	// User-specified command line arguments.
	pretty    bool
	strict    bool
	output    string
	dataTypes []events.DataType

	exitCode int
}

func newGrindCmd() *grindCmd {
	return &grindCmd{}
}

func (cmd *grindCmd) command() *ffcli.Command {
	set := flag.NewFlagSet("run", flag.ExitOnError)
	set.BoolVar(&cmd.pretty, "pretty", false,
		"Pretty-print the output with comments")
	set.BoolVar(&cmd.strict, "strict", false,
		"Treat conflicting module load events as fatal")
	set.StringVar(&cmd.output, "output", "",
		"Output file (default: stdout)")
	set.Func("data-type",
		"Aggregate only this counter kind (repeatable; default: all)",
		func(s string) error {
			t, err := events.ParseDataType(s)
			if err != nil {
				return err
			}
			cmd.dataTypes = append(cmd.dataTypes, t)
			return nil
		})
	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "run [flags] <trace file>...",
		ShortHelp:  "Aggregate trace files into frequency data",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *grindCmd) exec(_ context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("at least one trace file is required")
	}

	out := os.Stdout
	if cmd.output != "" {
		f, err := os.Create(cmd.output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	cmd.exitCode = grinder.Run(args, &grinder.Options{
		PrettyPrint:          cmd.pretty,
		StrictModuleConflict: cmd.strict,
		DataTypes:            cmd.dataTypes,
		Output:               out,
	})
	return nil
}
