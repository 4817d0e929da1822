package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var (
	flagConfigPath string
	flagVerbose    bool
)

// NewRootCommand builds the convoy CLI.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "convoy",
		Short: "Multi-channel conversational agent engine",
		Long: bold("convoy") + ` coalesces inbound chat messages into per-actor
batches and executes them through an LLM plan pipeline. Messages arriving
while a batch is processing queue up for the next one; nothing is lost
across restarts.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to convoy.yaml")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newServeCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())
	return root
}

const version = "0.3.0"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", bold("convoy"), green(version))
		},
	}
}
