// Package cli implements the consolevm command line.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"consolevm/internal/config"
	"consolevm/pkg/logger"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "consolevm",
		Short: "consolevm - scriptable virtual computers",
		Long: `consolevm hosts virtual computers with a permissioned filesystem,
provided programs and JavaScript programs run in isolated sandboxes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			configPath := globalFlags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logLevel := cfg.Log.Level
			if globalFlags.Verbose {
				logLevel = "debug"
			}
			if globalFlags.Quiet {
				logLevel = "error"
			}
			if err := logger.Init(logger.LogConfig{
				Level:  logLevel,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
				Traces: cfg.Log.Traces,
			}); err != nil {
				return err
			}

			storagePath := cfg.Storage.Path
			if storagePath == "" {
				storagePath, err = config.DefaultDataPath()
				if err != nil {
					return err
				}
			}

			cliCtx := NewCLIContext(cfg, configPath, logger.Get(), storagePath, globalFlags.Verbose, globalFlags.Quiet)
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewBootCmd())
	rootCmd.AddCommand(NewExecCmd())
	rootCmd.AddCommand(NewListCmd())

	return rootCmd
}

// GetCLIContext returns the context installed by the root command.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, ok := ctx.Value(contextKey{}).(*CLIContext)
	if !ok {
		return nil
	}
	return cliCtx
}

var errNoContext = errors.New("cli: configuration not loaded")

// ExitStatus carries a process exit code without printing anything.
type ExitStatus struct {
	Code int
}

func (e *ExitStatus) Error() string { return "exit status" }

// ExitCode maps an error returned by Execute to a process exit code and
// reports whether the error still needs printing.
func ExitCode(err error) (code int, report bool) {
	if err == nil {
		return 0, false
	}
	var st *ExitStatus
	if errors.As(err, &st) {
		return st.Code, false
	}
	return 1, true
}
