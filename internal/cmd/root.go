/*
Package cmd provides the enviador command line.
*/
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "enviador",
	Short: "Bulk personalized email and WhatsApp dispatch",
	Long: `enviador sends one personalized message per spreadsheet row, by email
over SMTP or through a WhatsApp API, with per-recipient attachments.

Example:
  enviador serve -c config.yaml                  # run the HTTP API
  enviador send -c config.yaml --payload job.json # send once and exit
  enviador preview --payload job.json             # show the first messages`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(checkCmd)
}
