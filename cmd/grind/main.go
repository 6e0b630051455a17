// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// grind aggregates instrumentation trace files into per-module basic block
// frequency data and serializes the result as JSON.

package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	var verbose bool
	set := flag.NewFlagSet("grind", flag.ExitOnError)
	set.BoolVar(&verbose, "v", false, "Enable debug logging")

	grindCmd := newGrindCmd()
	root := ffcli.Command{
		Name:       "grind",
		ShortUsage: "grind <subcommand> [flags]",
		ShortHelp:  "Tool for post-processing instrumentation trace files",
		FlagSet:    set,
		Subcommands: []*ffcli.Command{
			grindCmd.command(),
			newDumpCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	err := root.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err = root.Run(context.Background()); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
	os.Exit(grindCmd.exitCode)
}
