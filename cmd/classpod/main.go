// ClassPod
//
// A classroom platform that gives every enrolled student a private
// Kubernetes sandbox with a browser terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "classpod",
	Short: "ClassPod - Per-student practice sandboxes",
	Long: `ClassPod gives every student in a course a private sandbox on Kubernetes
and a terminal into it from the browser.

  classpod config setup                          Set up the server (first time)
  classpod serve                                 Start the server
  classpod login --user 1 --type t               Get an API token
  classpod todo push --course 3 --file week1.yaml  Push a checklist to a course`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CLASSPOD_SERVER", "http://localhost:7080"), "ClassPod server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
