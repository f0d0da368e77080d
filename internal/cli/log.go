package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// Log formats.
const (
	logFormatText = "text"
	logFormatJSON = "json"
)

func registerLoggingFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("loglevel", "info", "set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringP("logformat", "f", logFormatText, "set the log format (text, json)")
}

// baseLogger builds the logger selected by the logging flags, writing to w.
func baseLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	level, err := loggerLevel(cmd)
	if err != nil {
		return nil, err
	}

	format, err := cmd.Flags().GetString("logformat")
	if err != nil {
		return nil, err
	}
	var handler slog.Handler
	switch format {
	case logFormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case logFormatText:
		handler = tint.NewHandler(w, &tint.Options{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func loggerLevel(cmd *cobra.Command) (slog.Level, error) {
	name, err := cmd.Flags().GetString("loglevel")
	if err != nil {
		return slog.LevelInfo, err
	}
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", name)
	}
}
