// Command moauth is the client-side helper: it discovers an authorization
// server's endpoints and opens the PKCE-protected authorization URL in the
// user's browser.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jnnycn007/moauth/pkg/client"
)

var version = "DEV"

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "moauth",
		Short: "OAuth 2.0 client helper for moauthd",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandConnect())
	rootCmd.AddCommand(commandAuthorize())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moauth version %s\n", version)
		},
	})
	return rootCmd
}

func commandConnect() *cobra.Command {
	return &cobra.Command{
		Use:     "connect <server-url>",
		Short:   "Discover an authorization server's endpoints",
		Example: "moauth connect https://auth.example.org:9000/",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			srv, err := client.Connect(context.Background(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(srv, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func commandAuthorize() *cobra.Command {
	var (
		clientID    string
		redirectURI string
		scope       string
		state       string
	)
	cmd := &cobra.Command{
		Use:     "authorize <server-url>",
		Short:   "Open the authorization endpoint in the browser",
		Example: "moauth authorize https://auth.example.org:9000/ --client-id app1 --redirect-uri https://app/cb",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			srv, err := client.Connect(context.Background(), args[0])
			if err != nil {
				return err
			}

			if state == "" {
				if state, err = client.NewState(); err != nil {
					return err
				}
			}
			verifier, err := client.NewCodeVerifier()
			if err != nil {
				return err
			}

			if err := srv.Authorize(redirectURI, clientID, state, verifier, scope); err != nil {
				return err
			}
			fmt.Printf("state: %s\ncode_verifier: %s\n", state, verifier)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&clientID, "client-id", "", "Registered client ID")
	flags.StringVar(&redirectURI, "redirect-uri", "", "Registered redirect URI")
	flags.StringVar(&scope, "scope", "", "Requested scopes, space separated")
	flags.StringVar(&state, "state", "", "Opaque state value; generated when empty")
	cmd.MarkFlagRequired("client-id")
	cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
