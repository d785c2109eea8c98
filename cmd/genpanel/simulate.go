package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abeln1974/raspberry-pi-generator-control/internal/simulator"
	"github.com/spf13/cobra"
)

var (
	simListen string
	simDelay  time.Duration
	simFaults []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a bench controller that speaks the configured protocol table",
	Long: `Listen on TCP and answer like the generator controller would, so the service
can be exercised without hardware: point bridge.host/bridge.port at it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newCodec(cfg)
		if err != nil {
			return err
		}

		ctrl := simulator.NewController(simulator.Config{
			Address:    simListen,
			ReplyDelay: simDelay,
		}, c, logger)
		for _, code := range simFaults {
			ctrl.InjectFault(code)
		}

		if err := ctrl.Listen(cmd.Context()); err != nil {
			return err
		}
		defer ctrl.Close()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logger.Info().Msg("Simulator stopped")
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simListen, "listen", ":8899", "Listen address")
	simulateCmd.Flags().DurationVar(&simDelay, "reply-delay", 20*time.Millisecond, "Delay before each reply")
	simulateCmd.Flags().StringSliceVar(&simFaults, "fault", nil, "Fault codes active at start (repeatable)")
	rootCmd.AddCommand(simulateCmd)
}
