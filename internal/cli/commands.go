package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				srv := server.New(a.svc, a.dir,
					server.WithBlobSource(a.blobs),
					server.WithLogger(a.logger.With("component", "server")),
				)
				return srv.Run(ctx, a.cfg.Listen)
			})
		},
	}
}

func newResizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <id> <size>",
		Short: "Produce one derivative and print it as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[1], err)
			}
			return withApp(cmd, func(a *app) error {
				d, err := a.svc.Resize(cmd.Context(), args[0], size, a.svc.Format())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), d)
			})
		},
	}
}

func newSrcSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "srcset <id>",
		Short: "Produce the configured sizes, printing one JSON line per size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				failed := 0
				for r := range a.svc.MakeSrcSet(cmd.Context(), args[0], a.svc.Sizes(), a.svc.Format()) {
					line := resultLine{Derivative: r.Derivative, Status: "ok"}
					if r.Err != nil {
						failed++
						line.Status = string(srcset.ReasonOf(r.Err))
						line.Error = r.Err.Error()
					}
					if err := writeJSON(cmd.OutOrStdout(), line); err != nil {
						return err
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d sizes failed", failed, len(a.svc.Sizes()))
				}
				return nil
			})
		},
	}
}

func newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>",
		Short: "Add a file to the local blob store and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd, func(a *app) error {
				id, err := a.blobs.Put(cmd.Context(), f)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id.String())
				return err
			})
		},
	}
}

func newProcessCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "process <file.json>",
		Short: `Scan a record for images and produce their derivatives ("-" reads stdin)`,
		Long: `Scan a record for images and produce their derivatives.

Images whose blobs are not stored locally are requested from the configured
peers. The command waits up to --wait for those pulls, then produces the
derivatives of every blob that arrived. Blobs still missing are reported in
the log and left for a later run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				record []byte
				err    error
			)
			if args[0] == "-" {
				record, err = io.ReadAll(cmd.InOrStdin())
			} else {
				record, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				a.svc.Process(ctx, record)
				if wait <= 0 || a.blobs.Pulling() == 0 {
					return nil
				}

				a.logger.Info("waiting for blob pulls", "pulls", a.blobs.Pulling(), "wait", wait)
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				if err := a.blobs.Wait(waitCtx); err != nil {
					a.logger.Warn("blob pulls still running, giving up", "pulls", a.blobs.Pulling(), "error", err)
				}
				a.svc.Process(ctx, record)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for blobs pulled from peers (0 disables)")
	return cmd
}

func newMetadataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <id>",
		Short: "Print the derivatives recorded for a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				md, err := a.svc.BlobMetadata(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), md)
			})
		},
	}
}

type resultLine struct {
	srcset.Derivative
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
