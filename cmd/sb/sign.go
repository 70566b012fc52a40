package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/webhook"
)

func newSignCmd() *cobra.Command {
	var (
		configPath string
		secret     string
	)

	cmd := &cobra.Command{
		Use:   "sign [payload-file]",
		Short: "Compute the webhook signature for a payload",
		Long: `Prints the signature header value the server expects for a payload, so
provider callbacks can be replayed locally with curl. Reads stdin when no file
is given. The secret comes from --secret or, failing that, the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, configPath, secret, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret (overrides config)")
	return cmd
}

func runSign(cmd *cobra.Command, configPath, secret string, args []string) error {
	header := config.DefaultSignatureHeader
	if secret == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		secret = cfg.Webhook.Secret
		header = cfg.Webhook.SignatureHeader
	}

	var (
		body []byte
		err  error
	)
	if len(args) == 1 {
		body, err = os.ReadFile(args[0])
	} else {
		body, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", header, webhook.Sign([]byte(secret), body))
	return nil
}
