package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"docmigrate/internal/migrate"
)

// HTTPDownloader fetches file content from the vendor storage domain over
// plain HTTP GET, with retries for transient failures. It implements the
// Downloader interface.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates a downloader with retry and timeout defaults
// suited to bulk transfer.
func NewHTTPDownloader() *HTTPDownloader {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = 300 * time.Second
	retryClient.Logger = nil // to avoid debug logs
	retryClient.RetryMax = 3

	return &HTTPDownloader{client: retryClient.StandardClient()}
}

// Download fetches the content at url.
func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	// The vendor store serves error pages with a 200; an HTML content type
	// means we got a page, not the file.
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return nil, fmt.Errorf("received an HTML page instead of file content (Content-Type %s)", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading download body: %w", err)
	}
	return data, nil
}

// Compile-time check that HTTPDownloader implements the Downloader interface
var _ migrate.Downloader = (*HTTPDownloader)(nil)
