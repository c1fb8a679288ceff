package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // config file; torque.yaml in the working directory when empty

	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Setting keys shared by flags, the config file and TORQUE_* environment
// variables.
const (
	KeyDB      = "db"
	KeySpecs   = "specs"
	KeyIdle    = "idle"
	KeyJournal = "journal"
)

const envPrefix = "TORQUE"

// NewRootCommand creates the root command for the torque CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "torque",
		Short: "Torque - tightening session orchestration",
		Long: `Torque plans bolt tightening sequences, validates torque readings
against engineering specifications in real time and records every
event of a tightening session.

Settings such as the database path can come from flags, from a
torque.yaml config file or from TORQUE_DB, TORQUE_SPECS, TORQUE_IDLE
and TORQUE_JOURNAL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(cmd.ErrOrStderr(), opts.Verbose)
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (default ./torque.yaml)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// configureLogging installs a text slog handler on w. Verbose lowers the
// level to debug.
func configureLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// settings returns the viper instance backing the options, creating it on
// first use. Each RootOptions has its own instance so commands built in
// tests do not share state.
func (o *RootOptions) settings() *viper.Viper {
	if o.v == nil {
		v := viper.New()
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
		o.v = v
	}
	return o.v
}

// loadConfig reads the config file. An explicit --config must exist; the
// default torque.yaml is optional.
func (o *RootOptions) loadConfig() error {
	v := o.settings()
	if o.Config != "" {
		v.SetConfigFile(o.Config)
	} else {
		v.SetConfigName("torque")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.Config == "" && errors.As(err, &notFound) {
			return nil
		}
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	slog.Debug("config loaded", "file", v.ConfigFileUsed())
	return nil
}

// setting resolves key for cmd. A flag of the same name wins when set on
// the command line, then TORQUE_<KEY>, then the config file, then the flag
// default.
func (o *RootOptions) setting(cmd *cobra.Command, key string) string {
	v := o.settings()
	if f := cmd.Flags().Lookup(key); f != nil {
		_ = v.BindPFlag(key, f)
	}
	return v.GetString(key)
}

// specsDir resolves the specs directory from an optional positional
// argument, falling back to the specs setting.
func (o *RootOptions) specsDir(cmd *cobra.Command, args []string, index int) (string, error) {
	if len(args) > index && args[index] != "" {
		return args[index], nil
	}
	if dir := o.setting(cmd, KeySpecs); dir != "" {
		return dir, nil
	}
	return "", NewExitError(ExitCommandError, "specs directory is required (argument, --specs or TORQUE_SPECS)")
}
