package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChrisMoss87/crmflow/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "crmflow",
	Short: "CRM workflow automation engine",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
