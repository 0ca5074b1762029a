package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
)

type rootOptions struct {
	configFile string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "bbauth",
		Short: "Bitbucket OAuth login and session management",
		Long: `bbauth authenticates against Bitbucket with OAuth 2.0 and manages the resulting
sessions, either interactively or as an MCP server for an assistant.

Configuration is read from an optional file and BBAUTH_* environment variables,
e.g. BBAUTH_OAUTH_CLIENT_ID and BBAUTH_SESSION_MAX_CONCURRENT_SESSIONS.`,
		// Errors are reported by the commands themselves.
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "bbauth version %s\n" .Version}}`)

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a configuration file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (console or json)")

	root.AddCommand(
		newLoginCmd(opts),
		newMCPCmd(opts, version),
		newVersionCmd(version),
	)
	return root
}

// load resolves the configuration for cmd. Flags take precedence over the environment and the file.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Settings, error) {
	v := viper.New()
	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("log_level", flags.Lookup("log-level")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log_format", flags.Lookup("log-format")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, o.configFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of bbauth",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bbauth version %s\n", version)
		},
	}
}
