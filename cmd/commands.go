package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd 不带子命令时等同于 serve
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "vela",
		Short:         "Discord onboarding bot with an HTTP admin surface",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.toml", "配置文件路径")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the admin API until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the config file and environment overrides and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath)
		},
	})

	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secret store",
	}
	secretsCmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every stored secret under secrets.current_version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotate(cmd, configPath)
		},
	}, &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 master key for secrets.keys",
		Args:  cobra.NoArgs,
		RunE:  runKeygen,
	})

	root.AddCommand(serveCmd, configCmd, secretsCmd)
	return root
}
