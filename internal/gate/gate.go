// Package gate confirms a blob is present before any work reads it.
package gate

import (
	"context"
	"log/slog"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
)

// Gate checks blob availability against a store.
type Gate struct {
	store  blobstore.Store
	logger *slog.Logger
}

// New creates a Gate. A nil logger disables logging.
func New(store blobstore.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{store: store, logger: logger}
}

// Ensure reports whether the blob is present locally.
//
// When it is not, a want is issued to the store's peers and false is
// returned; callers should retry later. A failed presence check is treated
// the same as absence and logged, never returned.
func (g *Gate) Ensure(ctx context.Context, id blobid.ID) bool {
	ok, err := g.store.Has(ctx, id)
	if err != nil {
		g.logger.Warn("blob presence check failed", "blob", id.String(), "error", err)
		ok = false
	}
	if ok {
		g.logger.Debug("blob available", "blob", id.String())
		return true
	}
	g.logger.Debug("blob not available, wanting from peers", "blob", id.String())
	g.store.Want(id)
	return false
}
