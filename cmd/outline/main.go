package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kittclouds/outline/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outline",
	Short: "Outline - markdown-mirrored outliner workspace engine",
	Long: `Outline manages a workspace of nested bullet pages backed by a
local database. Every page mirrors to a plain markdown file, so the
workspace stays usable with git and external editors.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "Workspace root directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(pagesCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(retitleCmd)
	rootCmd.AddCommand(linksCmd)
	rootCmd.AddCommand(backlinksCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
