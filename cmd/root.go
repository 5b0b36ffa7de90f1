package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memvault/internal/config"
	"memvault/internal/display"
	apperrors "memvault/internal/errors"
)

var cfgFile string

// Global flag variables
var (
	verbose      bool
	quiet        bool
	outputFormat string
	theme        string
	colorMode    string
	noIcons      bool
	userID       string
	logFile      string
	assumeYes    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "Disaster recovery and deduplication for the agent memory platform",
	Long: `memvault backs up and restores the four stores of the agent memory platform
(PostgreSQL with pgvector, Qdrant, the Apache AGE graph and Redis), keeps a
catalog of every backup and restore, and removes duplicate memories through an
approval-gated, undoable workflow.

Examples:
  # Back up every enabled store
  memvault backup create --description "before upgrade"

  # Restore a backup and validate the stores afterwards
  memvault restore run 0b6f3c1e-...

  # Preview duplicate memories of one agent
  memvault dedup dry-run --agent agent-42

  # Run the scheduler and the metrics endpoint
  memvault serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", errorMessage(err))
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memvault.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&theme, "theme", display.ThemeDark, "color theme (dark, light, high-contrast, plain)")
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", string(display.ColorAuto), "color output (auto, always, never)")
	rootCmd.PersistentFlags().BoolVar(&noIcons, "no-icons", false, "disable Unicode icons")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id recorded in the audit log and undo ledger")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")

	viper.BindPFlag("user_id", rootCmd.PersistentFlags().Lookup("user"))
	viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".memvault")
	}

	viper.SetEnvPrefix("MEMVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig decodes whatever viper collected over the defaults and validates it
func loadConfig() (*config.Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.NewConfigurationError("failed to decode configuration", err)
	}
	cfg, err := config.Finalize(cfg)
	if err != nil {
		return nil, apperrors.NewConfigurationError("invalid configuration", err)
	}
	return cfg, nil
}

// displayConfig builds the printer options from the global flags
func displayConfig() (*display.Config, error) {
	cfg := display.DefaultConfig()
	cfg.Format = display.OutputFormat(outputFormat)
	cfg.Theme = theme
	cfg.Color = display.ColorMode(colorMode)
	cfg.Icons = !noIcons
	cfg.Quiet = quiet
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.NewInvalidArgument("invalid display options", err)
	}
	return cfg, nil
}

// commandContext is cancelled on SIGINT or SIGTERM
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func errorMessage(err error) string {
	if apperrors.KindOf(err) == apperrors.KindUnknown {
		return err.Error()
	}
	msg := apperrors.UserMessage(err)
	if verbose {
		msg += "\n  " + err.Error()
	}
	return msg
}

// exitCode maps error kinds onto process exit codes
func exitCode(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidArgument, apperrors.KindConfiguration:
		return 2
	case apperrors.KindConflict:
		return 3
	case apperrors.KindNotFound:
		return 4
	default:
		return 1
	}
}

// splitList accepts repeated and comma-separated values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "memvault version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

// createConfigCommand creates the config subcommand for generating sample config
func createConfigCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Generate a sample configuration file",
		Long: `Print a complete configuration template with every option and its default.

Examples:
  memvault config > ~/.memvault.yaml
  memvault config validate ~/.memvault.yaml`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.OutOrStdout().Write(config.GenerateDefaultYAML())
		},
	}
	c.AddCommand(createConfigValidateCommand())
	return c
}

// createConfigValidateCommand checks a file without connecting to anything
func createConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a configuration file for errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return apperrors.NewConfigurationError(fmt.Sprintf("%s is not valid", args[0]), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (backends: %s)\n", args[0], strings.Join(cfg.Backends.Enabled, ", "))
			return nil
		},
	}
}
