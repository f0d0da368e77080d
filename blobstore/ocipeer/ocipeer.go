// Package ocipeer fetches blobs from an OCI registry repository.
//
// A blob ID maps one-to-one onto a sha256 OCI digest, so any registry
// repository the blobs were pushed to can serve as a peer. Blobs are addressed
// directly by digest; no manifest is involved.
package ocipeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
)

const defaultUserAgent = "srcset/1.0"

// Peer implements blobstore.Peer against one registry repository.
type Peer struct {
	ref       string
	plainHTTP bool
	userAgent string
	credStore credentials.Store
	repo      *remote.Repository
}

var _ blobstore.Peer = (*Peer)(nil)

// Option configures a Peer.
type Option func(*Peer)

// WithPlainHTTP enables plain HTTP (no TLS). Useful for local registries.
func WithPlainHTTP(enabled bool) Option {
	return func(p *Peer) {
		p.plainHTTP = enabled
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(p *Peer) {
		p.userAgent = ua
	}
}

// WithStaticCredentials sets username/password credentials for the registry.
func WithStaticCredentials(username, password string) Option {
	return func(p *Peer) {
		p.credStore = staticStore{cred: auth.Credential{Username: username, Password: password}}
	}
}

// WithDockerConfig reads credentials from the docker config file.
// If it cannot be loaded, requests are made anonymously.
func WithDockerConfig() Option {
	return func(p *Peer) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		p.credStore = store
	}
}

// New creates a peer for the repository reference, e.g. "ghcr.io/org/blobs".
func New(ref string, opts ...Option) (*Peer, error) {
	p := &Peer{
		ref:       ref,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(p)
	}

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("parse repository %q: %w", ref, err)
	}
	repo.PlainHTTP = p.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if p.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return p.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{p.userAgent},
		},
	}
	p.repo = repo
	return p, nil
}

// String implements blobstore.Peer.
func (p *Peer) String() string {
	return "oci://" + p.ref
}

// Fetch implements blobstore.Peer.
func (p *Peer) Fetch(ctx context.Context, id blobid.ID) (io.ReadCloser, error) {
	desc, err := p.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := p.repo.Blobs().Fetch(ctx, desc)
	if err != nil {
		return nil, mapError(err)
	}
	return rc, nil
}

// Resolve returns the registry descriptor of the blob.
func (p *Peer) Resolve(ctx context.Context, id blobid.ID) (ocispec.Descriptor, error) {
	desc, err := p.repo.Blobs().Resolve(ctx, id.Digest().String())
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

// mapError maps registry not-found responses onto blobstore.ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", blobstore.ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", blobstore.ErrNotFound, err)
	}
	return err
}

// staticStore serves one credential for every host.
type staticStore struct {
	cred auth.Credential
}

func (s staticStore) Get(context.Context, string) (auth.Credential, error) {
	return s.cred, nil
}

func (s staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("static credential store is read-only")
}

func (s staticStore) Delete(context.Context, string) error {
	return errors.New("static credential store is read-only")
}
