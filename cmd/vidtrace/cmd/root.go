package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/vidtrace/internal/common"
	commonconfig "github.com/G-Research/vidtrace/internal/common/config"
	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/routing"
)

const (
	CustomConfigLocation = "config"
	LogLevel             = "logLevel"
	defaultConfigPath    = "./config/vidtrace"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "vidtrace",
		SilenceUsage: true,
		Short:        "Distributed trace tracking over a stream of video frames",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := cmd.Flags().GetString(LogLevel)
			if err != nil {
				return err
			}
			return common.SetLogLevel(level)
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(LogLevel, "info", "Log level: debug, info, warn or error")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		patchesCmd(),
	)

	return cmd
}

func loadConfig() (configuration.VidtraceConfiguration, error) {
	return loadConfigFrom(defaultConfigPath, viper.GetStringSlice(CustomConfigLocation))
}

func loadConfigFrom(defaultPath string, userSpecifiedConfigs []string) (configuration.VidtraceConfiguration, error) {
	var config configuration.VidtraceConfiguration
	err := common.LoadConfig(
		&config,
		defaultPath,
		userSpecifiedConfigs,
		commonconfig.DecodeHooks(
			commonconfig.EnumHookFunc(routing.ParseZeroIndexPolicy),
			commonconfig.EnumHookFunc(configuration.ParseQueuePolicy),
		),
	)
	if err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
