package cmd

import (
	"context"
	"fmt"

	"github.com/openfactoryio/serving-layer/controller/routing"
	"github.com/openfactoryio/serving-layer/pkg/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

// RootCmd is the parent of every serving-layer subcommand.
var RootCmd = &cobra.Command{
	Use:   "serving-layer",
	Short: "serving-layer manages the OpenFactory stream serving layer",
	Long:  `serving-layer manages the OpenFactory stream serving layer.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("%s is not a valid log level", logLevel)
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")

	RootCmd.AddCommand(newCmdCheck())
	RootCmd.AddCommand(newCmdDeploy())
	RootCmd.AddCommand(newCmdRunserver())
	RootCmd.AddCommand(newCmdTeardown())
	RootCmd.AddCommand(newCmdVersion())
}

// newController builds a routing controller from the platform environment,
// the same wiring the router service uses at boot.
func newController(ctx context.Context) (*routing.Controller, error) {
	settings, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %s", err)
	}
	return routing.FromSettings(ctx, settings, log.WithField("component", "cli"))
}
