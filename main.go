// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/beacon/command"
	"github.com/hashicorp/beacon/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	// Rewrite the bare version flags to the version subcommand so that
	// `beacon -v` and `beacon --version` behave like `beacon version`.
	for _, arg := range args {
		if arg == "-v" || arg == "-version" || arg == "--version" {
			args = []string{"version"}
			break
		}
	}

	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	commands := command.Commands(&command.Meta{Ui: ui}, ui)

	cli := &cli.CLI{
		Name:                       "beacon",
		Version:                    version.GetVersion().FullVersionNumber(true),
		Args:                       args,
		Commands:                   commands,
		HelpFunc:                   helpFunc(commands),
		Autocomplete:               true,
		AutocompleteNoDefaultFlags: true,
	}

	exitCode, err := cli.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}

// helpFunc renders the top-level usage listing every command.
func helpFunc(commands map[string]cli.CommandFactory) cli.HelpFunc {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return cli.FilteredHelpFunc(names, cli.BasicHelpFunc("beacon"))
}
