// storage/gateway.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	u "github.com/mmp/chatbk/util"
	"golang.org/x/net/context/ctxhttp"
)

// gateway is a read-only Backend that fetches blocks and metadata by
// content address from an HTTP retrieval gateway (as served by "chatbk
// serve"). Every block is verified against its hash on the way in.
type gateway struct {
	base   string
	client *http.Client

	mu        sync.Mutex
	numReads  int
	bytesRead int64
	numFailed int
	// Blocks are immutable, so a hash once seen stays present.
	seen map[Hash]struct{}
}

const gatewayTimeout = 30 * time.Second

// NewGateway returns a read-only Backend for the gateway at the given base
// URL. A nil client uses http.DefaultClient.
func NewGateway(base string, client *http.Client) Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &gateway{
		base:   strings.TrimSuffix(base, "/"),
		client: client,
		seen:   make(map[Hash]struct{}),
	}
}

func (g *gateway) String() string {
	return "gateway " + g.base
}

func (g *gateway) LogStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.numReads > 0 {
		log.Print("%s: fetched %s in %d reads, %d failed", g.base,
			u.FmtBytes(g.bytesRead), g.numReads, g.numFailed)
	}
}

func (g *gateway) get(ctx context.Context, path string) ([]byte, int, error) {
	resp, err := ctxhttp.Get(ctx, g.client, g.base+path)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("%s%s: %s", g.base, path, resp.Status)
	}
	b, err := io.ReadAll(NewLimitedDownloadReader(resp.Body))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s%s: %w", g.base, path, err)
	}
	return b, resp.StatusCode, nil
}

func (g *gateway) Read(ctx context.Context, hash Hash) (io.ReadCloser, error) {
	b, status, err := g.get(ctx, "/blocks/"+hash.String())

	g.mu.Lock()
	g.numReads++
	g.bytesRead += int64(len(b))
	if err != nil {
		g.numFailed++
	}
	g.mu.Unlock()

	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", hash, ErrHashNotFound)
	} else if err != nil {
		return nil, err
	}
	if HashBytes(b) != hash {
		return nil, fmt.Errorf("%s: %w", hash, ErrHashMismatch)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (g *gateway) HashExists(hash Hash) bool {
	g.mu.Lock()
	_, ok := g.seen[hash]
	g.mu.Unlock()
	if ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
	defer cancel()
	resp, err := ctxhttp.Head(ctx, g.client, g.base+"/blocks/"+hash.String())
	if err != nil {
		log.Warning("%s: %s", hash, err)
		return false
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	g.mu.Lock()
	g.seen[hash] = struct{}{}
	g.mu.Unlock()
	return true
}

func (g *gateway) Hashes() map[Hash]struct{} {
	ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
	defer cancel()

	m := make(map[Hash]struct{})
	b, _, err := g.get(ctx, "/blocks")
	if err != nil {
		log.Error("%s: %s", g.base, err)
		return m
	}
	var hashes []Hash
	if err := json.Unmarshal(b, &hashes); err != nil {
		log.Error("%s: %s", g.base, err)
		return m
	}
	for _, h := range hashes {
		m[h] = struct{}{}
	}
	return m
}

func (g *gateway) Fsck(ctx context.Context) error {
	hashes := g.Hashes()
	log.Verbose("%s: checking %d blobs", g.base, len(hashes))
	for h := range hashes {
		fsckHash(ctx, h, g)
	}
	return nil
}

func (g *gateway) Write(ctx context.Context, chunk []byte) (Hash, error) {
	return Hash{}, fmt.Errorf("%s: %w", g, ErrReadOnly)
}

func (g *gateway) SyncWrites(ctx context.Context) error {
	return nil
}

func (g *gateway) Close() error {
	return nil
}

func (g *gateway) WriteMetadata(ctx context.Context, name string, data []byte) error {
	return fmt.Errorf("%s: %s: %w", g, name, ErrReadOnly)
}

func (g *gateway) ReadMetadata(ctx context.Context, name string) ([]byte, error) {
	b, status, err := g.get(ctx, "/metadata/"+url.PathEscape(name))
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", name, ErrMetadataNotFound)
	}
	return b, err
}

func (g *gateway) ListMetadata(ctx context.Context, prefix string) (map[string]time.Time, error) {
	b, _, err := g.get(ctx, "/metadata?prefix="+url.QueryEscape(prefix))
	if err != nil {
		return nil, err
	}
	m := make(map[string]time.Time)
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%s: metadata listing: %w", g.base, err)
	}
	return m, nil
}
