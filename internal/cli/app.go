package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobstore"
	"github.com/meigma/srcset/blobstore/httppeer"
	"github.com/meigma/srcset/blobstore/local"
	"github.com/meigma/srcset/blobstore/ocipeer"
	"github.com/meigma/srcset/config"
	"github.com/meigma/srcset/content"
	"github.com/meigma/srcset/store"
	redisstore "github.com/meigma/srcset/store/redis"
)

// app holds the components wired from a Config.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	blobs  *local.Store
	dir    *content.Dir
	kv     store.Store
	svc    *srcset.Service
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	peers, err := buildPeers(cfg.Peers)
	if err != nil {
		return err
	}
	a.blobs, err = local.New(cfg.Blobs,
		local.WithPeers(peers...),
		local.WithPullTimeout(cfg.FetchTimeout),
		local.WithMaxBlobSize(cfg.MaxBlobSize),
		local.WithLogger(logger.With("component", "blobs")),
	)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	a.dir, err = content.New(cfg.Dir)
	if err != nil {
		return fmt.Errorf("open content directory: %w", err)
	}

	format, err := srcset.ParseFormat(cfg.Format)
	if err != nil {
		return err
	}
	opts := []srcset.Option{
		srcset.WithFormat(format),
		srcset.WithSizes(cfg.Sizes...),
		srcset.WithNamespace(cfg.Namespace),
		srcset.WithConcurrency(cfg.Concurrency),
		srcset.WithFetchTimeout(cfg.FetchTimeout),
		srcset.WithMaxBlobSize(cfg.MaxBlobSize),
		srcset.WithLogger(logger.With("component", "srcset")),
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		kv, err := redisstore.Dial(ctx, cfg.Store.RedisAddr,
			redisstore.WithLogger(logger.With("component", "store")))
		if err != nil {
			return fmt.Errorf("connect metadata store: %w", err)
		}
		a.kv = kv
		opts = append(opts, srcset.WithMetadataStore(kv))
	default:
		opts = append(opts, srcset.WithFlushInterval(cfg.FlushInterval))
	}

	a.svc, err = srcset.New(a.blobs, a.dir, opts...)
	return err
}

// Close shuts the service down first so pending work can still reach the
// stores it depends on.
func (a *app) Close() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.blobs != nil {
		errs = append(errs, a.blobs.Close())
	}
	return errors.Join(errs...)
}

func buildPeers(cfgs []config.Peer) ([]blobstore.Peer, error) {
	peers := make([]blobstore.Peer, 0, len(cfgs))
	for _, pc := range cfgs {
		switch pc.Type {
		case config.PeerHTTP:
			p, err := httppeer.New(pc.URL)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", pc.URL, err)
			}
			peers = append(peers, p)
		case config.PeerOCI:
			p, err := ocipeer.New(pc.URL,
				ocipeer.WithPlainHTTP(pc.PlainHTTP),
				ocipeer.WithDockerConfig(),
				ocipeer.WithUserAgent("srcset"),
			)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", pc.URL, err)
			}
			peers = append(peers, p)
		default:
			return nil, fmt.Errorf("%w: unknown peer type %q", config.ErrInvalid, pc.Type)
		}
	}
	return peers, nil
}
