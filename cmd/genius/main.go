package main

import (
	"fmt"
	"os"

	"github.com/False-Maker/test-genius-sub004/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "genius",
	Short: "Workflow execution and A/B experimentation service",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
