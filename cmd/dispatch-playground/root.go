package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Swind/go-dispatch/internal/config"
	"github.com/Swind/go-dispatch/internal/playground"
)

func newRootCmd() *cobra.Command {
	var (
		configFile string
		v          *viper.Viper
		bindErr    error
	)

	rootCmd := &cobra.Command{
		Use:   "dispatch-playground",
		Short: "Walk through dispatch queues, groups and barriers",
		Long: `dispatch-playground runs small scenarios on a shared worker pool:
hopping between QoS root queues and the main queue, sync versus async
submission, reentrant waits, barrier-protected state and bursts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindErr
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "YAML config file. Flags given explicitly win over it.")
	if v, bindErr = config.BindFlags(rootCmd.PersistentFlags()); bindErr != nil {
		bindErr = fmt.Errorf("error while binding flags: %w", bindErr)
	}

	load := func() (*config.Config, error) {
		return config.Load(v, configFile)
	}

	rootCmd.AddCommand(newListCmd(), newRunCmd(load), newConfigCmd(load))
	return rootCmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range playground.Scenarios() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", s.Name, s.Description)
			}
			return nil
		},
	}
}

func newConfigCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := load()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), c.String())
			return nil
		},
	}
}
