// Package httppeer fetches blobs from another srcset instance over HTTP.
//
// Blobs are requested from <base>/blobs/get?id=<id>. The peer advertises
// zstd support with Accept-Encoding and transparently decodes zstd-encoded
// responses.
package httppeer

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore"
)

// EncodingZstd is the content coding for zstd-compressed bodies.
const EncodingZstd = "zstd"

// Peer implements blobstore.Peer over HTTP.
type Peer struct {
	base    *url.URL
	client  *nethttp.Client
	headers nethttp.Header
	zstd    bool
}

var _ blobstore.Peer = (*Peer)(nil)

// Option configures a Peer.
type Option func(*Peer)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(p *Peer) {
		p.client = client
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(p *Peer) {
		if p.headers == nil {
			p.headers = make(nethttp.Header)
		}
		p.headers.Set(key, value)
	}
}

// WithZstd controls whether zstd responses are requested. Enabled by default.
func WithZstd(enabled bool) Option {
	return func(p *Peer) {
		p.zstd = enabled
	}
}

// New creates a peer for the srcset server at baseURL.
func New(baseURL string, opts ...Option) (*Peer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse peer url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse peer url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	p := &Peer{
		base:   u,
		client: nethttp.DefaultClient,
		zstd:   true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = nethttp.DefaultClient
	}
	return p, nil
}

// String implements blobstore.Peer.
func (p *Peer) String() string {
	return p.base.String()
}

// Fetch implements blobstore.Peer.
func (p *Peer) Fetch(ctx context.Context, id blobid.ID) (io.ReadCloser, error) {
	u := p.base.JoinPath("blobs", "get")
	u.RawQuery = url.Values{"id": []string{id.String()}}.Encode()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, u.String(), nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for k, v := range p.headers {
		req.Header[k] = v
	}
	if p.zstd {
		req.Header.Set("Accept-Encoding", EncodingZstd)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", id, p, err)
	}
	switch resp.StatusCode {
	case nethttp.StatusOK:
		// ok
	case nethttp.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s at %s", blobstore.ErrNotFound, id, p)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s from %s: %s", id, p, resp.Status)
	}

	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), EncodingZstd) {
		return resp.Body, nil
	}
	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &zstdReadCloser{dec: dec, body: resp.Body}, nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	body io.ReadCloser
}

func (r *zstdReadCloser) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *zstdReadCloser) Close() error {
	r.dec.Close()
	return r.body.Close()
}
