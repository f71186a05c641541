package app

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the sensorbridge CLI with the given arguments.
// This is the main entry point called from main.go.
func (a *App) Execute(ctx context.Context, args []string) error {
	rootCmd := a.createRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// createRootCommand creates the root cobra command with all subcommands.
func (a *App) createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sensorbridge",
		Short:   "MQTT telemetry to WebSocket bridge",
		Version: a.version,
		Long: `Sensorbridge subscribes to sensor topics on an MQTT broker and pushes
every reading to connected browsers.

Readings are delivered as "mqttData" events with a topic and a value over
plain WebSocket, Socket.IO and Server-Sent Events.`,
		PersistentPreRunE: a.setupCommand,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default is ./sensorbridge.yaml or $HOME/.sensorbridge.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (shortcut for --log-level=debug)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output (shortcut for --log-level=warn)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error (overrides -v/-q)")

	rootCmd.SetVersionTemplate("sensorbridge {{.Version}}\n")
	rootCmd.SetOut(a.out)

	a.registerCommands(rootCmd)
	return rootCmd
}

// setupCommand is called before any command runs. It applies the config
// file and the executing command's flags, then rebuilds the logger.
func (a *App) setupCommand(cmd *cobra.Command, _ []string) error {
	if err := readConfigFile(a.viper, mustGetString(cmd, "config")); err != nil {
		return err
	}
	if err := bindFlags(a.viper, cmd.Flags()); err != nil {
		return err
	}

	config, err := LoadConfig(a.viper)
	if err != nil {
		return err
	}
	config.UpdateFromFlags(
		mustGetBool(cmd, "verbose"),
		mustGetBool(cmd, "quiet"),
		mustGetString(cmd, "log-level"),
	)
	a.config = config

	logger := NewLogger(a.config)
	a.logger = &logger
	if a.config.ConfigFile != "" {
		a.logger.Debug().Str("file", a.config.ConfigFile).Msg("Using config file")
	}

	return nil
}

// registerCommands registers all subcommands with the root command.
func (a *App) registerCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(a.NewServeCommand())
	rootCmd.AddCommand(a.NewConfigCommand())
	rootCmd.AddCommand(a.NewVersionCommand())
}

// ExitOnError is a helper that prints an error and exits with status 1.
// This is meant to be used in main.go for top-level error handling.
func ExitOnError(err error) {
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

// mustGetBool retrieves a boolean flag value or panics if the flag doesn't exist.
// This should only be used for flags defined in this package.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic("programming error: failed to get flag " + name + ": " + err.Error())
	}
	return val
}

// mustGetString retrieves a string flag value or panics if the flag doesn't exist.
// This should only be used for flags defined in this package.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic("programming error: failed to get flag " + name + ": " + err.Error())
	}
	return val
}
