package main

import (
	"fmt"
	"os"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/adapter/bridge"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	probeHost    string
	probeAskPass bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Inspect the bridge's web interface and open ports",
	Long: `Fetch the status pages of the RS232-to-TCP converter (with its web credentials)
and scan the ports converters usually listen on. Useful to find the data port when
commissioning a new bridge.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		host := cfg.Bridge.Host
		if probeHost != "" {
			host = probeHost
		}

		password := cfg.Bridge.Password
		if probeAskPass {
			if password, err = readPassword(); err != nil {
				return err
			}
		}

		logger.Info().Str("host", host).Msg("Probing bridge")
		report := bridge.Probe(cmd.Context(), bridge.ProbeConfig{
			Host:     host,
			Username: cfg.Bridge.Username,
			Password: password,
			WebPort:  cfg.Bridge.WebPort,
			Timeout:  cfg.Bridge.ConnectTimeout,
		})

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", out)
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeHost, "host", "", "Bridge host (default bridge.host from config)")
	probeCmd.Flags().BoolVar(&probeAskPass, "ask-password", false, "Prompt for the web interface password instead of bridge.password")
	rootCmd.AddCommand(probeCmd)
}

// readPassword prompts on stderr and reads without echo.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--ask-password needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Bridge password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}
