// Package cli implements the frx command line client for FormRelay.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"formrelay/pkg/client"
	"formrelay/pkg/version"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:     "frx",
	Short:   "FRX - command line client for FormRelay",
	Long:    "FRX submits lead datasets to a FormRelay server and follows job progress live.",
	Version: version.Short(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if token == "" {
			token = os.Getenv("FORMRELAY_TOKEN")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FORMRELAY_SERVER", "http://localhost:8080"),
		"FormRelay server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "",
		"API token (defaults to FORMRELAY_TOKEN)")

	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newLogsCmd())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newSession builds the API session from the global flags.
func newSession() (*client.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or set FORMRELAY_TOKEN")
	}
	return client.NewSession(serverURL, token), nil
}
