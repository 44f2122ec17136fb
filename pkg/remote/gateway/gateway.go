// Package gateway implements remote.Client against an HTTP protocol gateway
// that fronts the distribution service.
//
// Endpoints (all GET, JSON responses):
//
//	/v1/depots/{depot}/key?collection={collection}          -> {"key": "<hex>"}
//	/v1/depots/{depot}/token?server={server}                -> {"token": "..."}
//	/v1/depots/{depot}/manifests/{manifest}?server=&token=  -> manifest document
//
// The manifest request carries the depot key hex-encoded in the
// X-Depot-Key header.
package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/remote"
)

// DepotKeyHeader carries the hex depot key on manifest requests.
const DepotKeyHeader = "X-Depot-Key"

// DefaultTimeout bounds a single gateway request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxBody caps response bodies read into memory.
const maxBody = 64 << 20

// Config configures a gateway client.
type Config struct {
	// BaseURL is the gateway root, e.g. http://localhost:7070 (required).
	BaseURL string

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64

	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// Client talks to the protocol gateway.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

var _ remote.Client = (*Client)(nil)

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway base url scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{base: base, http: hc}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

type keyResponse struct {
	Key string `json:"key"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type manifestResponse struct {
	DepotID    uint32         `json:"depot_id"`
	ManifestID string         `json:"manifest_id"`
	CreatedAt  time.Time      `json:"created_at"`
	Files      []manifestFile `json:"files"`
}

type manifestFile struct {
	Path  string `json:"path"`
	Size  uint64 `json:"size"`
	SHA   string `json:"sha"`
	Flags uint32 `json:"flags"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetDecryptionKey implements remote.Client.
func (c *Client) GetDecryptionKey(ctx context.Context, depotID, collectionID uint32) ([]byte, error) {
	const op = "GetDecryptionKey"

	q := url.Values{"collection": {strconv.FormatUint(uint64(collectionID), 10)}}
	var resp keyResponse
	if err := c.get(ctx, depotPath(depotID, "key"), q, nil, &resp); err != nil {
		return nil, &remote.Error{Op: op, DepotID: depotID, Err: err}
	}

	key, err := hex.DecodeString(resp.Key)
	if err != nil || len(key) == 0 {
		return nil, &remote.Error{Op: op, DepotID: depotID, Err: fmt.Errorf("malformed depot key")}
	}
	return key, nil
}

// GetAuthToken implements remote.Client.
func (c *Client) GetAuthToken(ctx context.Context, depotID uint32, server string) (string, error) {
	const op = "GetAuthToken"

	q := url.Values{"server": {server}}
	var resp tokenResponse
	if err := c.get(ctx, depotPath(depotID, "token"), q, nil, &resp); err != nil {
		return "", &remote.Error{Op: op, DepotID: depotID, Server: server, Err: err}
	}
	if resp.Token == "" {
		return "", &remote.Error{Op: op, DepotID: depotID, Server: server, Err: fmt.Errorf("empty token")}
	}
	return resp.Token, nil
}

// DownloadManifest implements remote.Client.
func (c *Client) DownloadManifest(ctx context.Context, req remote.ManifestRequest) (*depot.Manifest, error) {
	const op = "DownloadManifest"
	wrap := func(err error) error {
		return &remote.Error{Op: op, DepotID: req.DepotID, Server: req.Server, Err: err}
	}

	q := url.Values{
		"server": {req.Server},
		"token":  {req.AuthToken},
	}
	header := http.Header{}
	if len(req.DepotKey) > 0 {
		header.Set(DepotKeyHeader, hex.EncodeToString(req.DepotKey))
	}

	p := depotPath(req.DepotID, "manifests", strconv.FormatUint(req.ManifestID, 10))
	var resp manifestResponse
	if err := c.get(ctx, p, q, header, &resp); err != nil {
		return nil, wrap(err)
	}

	m := &depot.Manifest{
		DepotID:    req.DepotID,
		ManifestID: req.ManifestID,
		CreatedAt:  resp.CreatedAt,
		Files:      make([]depot.ManifestFile, 0, len(resp.Files)),
	}
	if resp.ManifestID != "" {
		id, err := strconv.ParseUint(resp.ManifestID, 10, 64)
		if err != nil {
			return nil, wrap(fmt.Errorf("malformed manifest id %q", resp.ManifestID))
		}
		if id != req.ManifestID {
			return nil, wrap(fmt.Errorf("gateway returned manifest %d, want %d", id, req.ManifestID))
		}
	}
	for _, f := range resp.Files {
		var digest []byte
		if f.SHA != "" {
			d, err := hex.DecodeString(f.SHA)
			if err != nil {
				return nil, wrap(fmt.Errorf("malformed digest for %s: %v", f.Path, err))
			}
			digest = d
		}
		m.Files = append(m.Files, depot.ManifestFile{
			Path:   f.Path,
			Size:   f.Size,
			Digest: digest,
			Flags:  depot.FileFlags(f.Flags),
		})
	}
	return m, nil
}

func depotPath(depotID uint32, parts ...string) string {
	return "/v1/depots/" + strconv.FormatUint(uint64(depotID), 10) + "/" + strings.Join(parts, "/")
}

func (c *Client) get(ctx context.Context, path string, query url.Values, header http.Header, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", remote.ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps gateway status codes onto remote sentinels.
func statusError(code int, body []byte) error {
	msg := http.StatusText(code)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", remote.ErrAccessDenied, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, msg)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", remote.ErrThrottled, msg)
	case code >= 500:
		return fmt.Errorf("%w: status %d: %s", remote.ErrUnavailable, code, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
}
