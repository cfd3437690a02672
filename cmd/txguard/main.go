package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "txguard",
	Short: "Transaction simulation and risk evaluation engine",
	Long:  "txguard simulates transactions against an execution node before they are signed, flags risky ones and explains their token movements",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
