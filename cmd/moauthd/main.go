package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "DEV"

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moauthd",
		Short: "A self-contained OAuth 2.0 authorization server and OpenID Connect provider",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moauthd version %s\n", version)
		},
	}
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
