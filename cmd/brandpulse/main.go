// Package main provides the entry point for the BrandPulse agent CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "brandpulse",
	Short: "BrandPulse brand monitoring agent",
	Long:  "BrandPulse periodically searches the web for brand-related content, evaluates it against a brand persona with an LLM, and emails an HTML digest with feedback links.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
