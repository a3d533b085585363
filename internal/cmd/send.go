package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"enviador/internal/api"
	"enviador/internal/app"
	"enviador/internal/config"
	"enviador/internal/dispatch"
	logx "enviador/pkg/logx"
)

var (
	payloadPath string
	previewSize int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one payload and exit",
	Long: `Read a JSON payload (the same document the API accepts, with files
inlined as base64) and send it in the foreground. Progress is logged per
recipient and the summary is printed as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()
		req, err := readRequest(payloadPath, cfg)
		if err != nil {
			return err
		}
		d, err := app.NewDispatch(cfg, nil, log)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		sum, sendErr := d.Engine.Send(ctx, req, dispatch.Hooks{
			Total: func(n int) { log.Info("sending", logx.Int("total", n)) },
			Progress: func(e dispatch.Event) {
				log.Info("recipient", logx.Int("index", e.Index), logx.Recipient(e.Email),
					logx.String("status", string(e.Status)), logx.String("message", e.Message))
			},
		})
		if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
			return err
		}
		return sendErr
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render the first messages of a payload without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()
		req, err := readRequest(payloadPath, cfg)
		if err != nil {
			return err
		}
		d, err := app.NewDispatch(cfg, nil, log)
		if err != nil {
			return err
		}
		n := previewSize
		if n <= 0 {
			n = cfg.Dispatch.PreviewSize
		}
		previews, err := d.Engine.Preview(req, n)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), previews)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.NewManager(cfgPath).Parse(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, previewCmd} {
		c.Flags().StringVarP(&payloadPath, "payload", "p", "-", "payload JSON file, - for stdin")
	}
	previewCmd.Flags().IntVarP(&previewSize, "count", "n", 0, "number of messages to render (default dispatch.preview_size)")
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig() (*config.Config, logx.Logger, func(), error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		if !os.IsNotExist(err) || rootCmd.PersistentFlags().Changed("config") {
			return nil, logx.Logger{}, nil, err
		}
		cfg = config.Defaults()
	}
	svc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: true,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	return cfg, log, func() { _ = svc.Close() }, nil
}

func readRequest(path string, cfg *config.Config) (*dispatch.Request, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	p, err := api.DecodePayload(r)
	if err != nil {
		return nil, err
	}
	return p.Request(nil, cfg.WhatsApp.DefaultLanguage)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
