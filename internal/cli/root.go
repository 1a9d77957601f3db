// Package cli defines the rtms-relay commands.
package cli

import (
	"github.com/spf13/cobra"

	"rtms-relay/internal/config"
	"rtms-relay/internal/version"
)

type options struct {
	configFile string
	envFile    string
}

func (o *options) read() (*config.Config, error) {
	return config.Read(o.configFile, o.envFile)
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configFile, o.envFile)
}

func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "rtms-relay",
		Short:         "Relay Zoom RTMS media streams to disk",
		Long:          "Receives Zoom RTMS webhooks, connects to the signaling and media servers of each meeting and stores audio, video and transcripts as playable files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(NewServeCmd(opts))
	rootCmd.AddCommand(NewDoctorCmd(opts))
	rootCmd.AddCommand(NewConvertCmd(opts))

	return rootCmd
}
