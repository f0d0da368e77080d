// Package cli implements the srcset command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meigma/srcset/config"
)

type ctxKey struct{}

// state is shared by the root command and its subcommands.
type state struct {
	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand builds the srcset command tree.
func NewRootCommand() *cobra.Command {
	st := &state{}
	root := &cobra.Command{
		Use:   "srcset [sub-command]",
		Short: "Produce and serve resized derivatives of content-addressed images",
		Long: `srcset scales images stored as content-addressed blobs to a set of
target sizes, publishes the results as files and remembers which
derivatives exist.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := baseLogger(cmd, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("could not build logger: %w", err)
			}
			slog.SetDefault(logger)
			st.logger = logger
			if cmd == cmd.Root() {
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st.cfg = cfg
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, st))
			return nil
		},
		DisableAutoGenTag: true,
	}

	registerLoggingFlags(root)
	registerConfigFlags(root)

	root.AddCommand(
		newServeCommand(),
		newResizeCommand(),
		newSrcSetCommand(),
		newAddCommand(),
		newProcessCommand(),
		newMetadataCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func stateFrom(cmd *cobra.Command) *state {
	st, _ := cmd.Context().Value(ctxKey{}).(*state)
	return st
}

func registerConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "path to the YAML configuration file")
	f.String("format", "", "derivative format (webp, png, avif)")
	f.IntSlice("sizes", nil, "target sizes, e.g. 300,600,1200")
	f.String("dir", "", "content directory derivatives are published into")
	f.String("blobs", "", "local blob store directory")
	f.String("listen", "", "HTTP listen address")
	f.String("redis", "", "use the redis metadata store at this address")
}

// loadConfig reads --config, applies flag overrides and validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	applyOverrides(flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyOverrides copies explicitly set flags over cfg.
func applyOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("format") {
		cfg.Format, _ = flags.GetString("format")
	}
	if flags.Changed("sizes") {
		cfg.Sizes, _ = flags.GetIntSlice("sizes")
	}
	if flags.Changed("dir") {
		cfg.Dir, _ = flags.GetString("dir")
	}
	if flags.Changed("blobs") {
		cfg.Blobs, _ = flags.GetString("blobs")
	}
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("redis") {
		cfg.Store.Backend = config.BackendRedis
		cfg.Store.RedisAddr, _ = flags.GetString("redis")
	}
}

// withApp opens the configured components, runs fn and closes them.
func withApp(cmd *cobra.Command, fn func(*app) error) error {
	st := stateFrom(cmd)
	if st == nil {
		return errors.New("command state not initialised")
	}
	a, err := openApp(cmd.Context(), st.cfg, st.logger)
	if err != nil {
		return err
	}
	runErr := fn(a)
	closeErr := a.Close()
	return errors.Join(runErr, closeErr)
}
