package testutil

import (
	"context"
	"fmt"
	"sync"
)

// StubDownloader serves fixed content per URL. URLs with no entry fail,
// simulating an unreachable vendor host.
type StubDownloader struct {
	mu      sync.Mutex
	content map[string][]byte
	// Fail marks URLs that always error.
	Fail map[string]error
}

// NewStubDownloader creates an empty stub downloader.
func NewStubDownloader() *StubDownloader {
	return &StubDownloader{
		content: make(map[string][]byte),
		Fail:    make(map[string]error),
	}
}

// Set registers content for a URL.
func (d *StubDownloader) Set(url string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content[url] = content
}

func (d *StubDownloader) Download(_ context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err, ok := d.Fail[url]; ok {
		return nil, err
	}
	data, ok := d.content[url]
	if !ok {
		return nil, fmt.Errorf("no content at %s", url)
	}
	return data, nil
}
