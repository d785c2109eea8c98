package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/domain"
	"github.com/abeln1974/raspberry-pi-generator-control/internal/service"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [payload]",
	Short: "Send one command to the controller and print the reply",
	Long: `Open a fresh link to the controller, send a single command and print the decoded
reply as JSON. Commands: status, start, stop, auto, manual, reset, estop.

Do not run this while "genpanel serve" holds the bridge: most converters accept
only one TCP client.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		kind, err := domain.ParseCommandKind(args[0])
		if err != nil {
			return err
		}
		command := domain.NewCommand(kind)
		if len(args) == 2 {
			command = command.WithPayload(strings.TrimSpace(args[1]))
		}

		c, err := newCodec(cfg)
		if err != nil {
			return err
		}
		transport, err := newTransport(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer transport.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout(cfg))
		defer cancel()

		session := service.NewSession(transport, c, sessionConfig(cfg), logger, nil)
		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Stop(context.Background())

		resp, err := session.Execute(ctx, command, 0)
		if resp != nil {
			out, _ := json.MarshalIndent(resp, "", "  ")
			printf(cmd, "%s\n", out)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
