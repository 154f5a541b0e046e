// Package fetcher downloads the pipeline's raw inputs on explicit request.
// Loaders never call it; a missing input is reported, not fetched.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to path, replacing any
	// existing file. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// EnsureFile downloads the URL to path unless path already exists.
	EnsureFile(ctx context.Context, url string, path string) (*Result, error)
}

// Result describes one EnsureFile call.
type Result struct {
	URL     string `json:"url"`
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	Skipped bool   `json:"skipped"`
}
