// Package index talks to the package index: the HTTP service that maps
// package names to available versions and artifact locations, and serves
// the artifacts themselves.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Package is the index entry for one package name.
type Package struct {
	Name     string    `json:"name"`
	Versions []Version `json:"versions"`
}

// Version is one published version of a package.
type Version struct {
	Version   string `json:"version"`
	URL       string `json:"url"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

var _ Source = (*Client)(nil)

// Client fetches package metadata and artifacts from an HTTP package index.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the index at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// GetPackage fetches the index entry for name.
// Returns ErrPackageNotFound when the index has no such package.
func (c *Client) GetPackage(ctx context.Context, name string) (*Package, error) {
	u := fmt.Sprintf("%s/packages/%s", c.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	default:
		return nil, fmt.Errorf("index returned %d for package %s", resp.StatusCode, name)
	}

	var pkg Package
	if err := json.NewDecoder(resp.Body).Decode(&pkg); err != nil {
		return nil, fmt.Errorf("decode index response: %w", err)
	}
	return &pkg, nil
}

// FetchArtifact downloads the artifact for v into w, verifying its sha256
// while copying. Returns the number of bytes written.
func (c *Client) FetchArtifact(ctx context.Context, v Version, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build artifact request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("artifact fetch returned %d for %s", resp.StatusCode, v.URL)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), resp.Body)
	if err != nil {
		return n, fmt.Errorf("download artifact: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, v.SHA256) {
		return n, fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, v.SHA256, got)
	}
	return n, nil
}
