package asdf

import (
	"fmt"
	"net/url"
	"sync"
)

// ExternalCache dedups loaded external ASDF files by resolved base URI (C8), per spec.md §4.8.
// Keys ignore the URI fragment: "file:///a.asdf#/foo" and "file:///a.asdf#/bar" share one entry.
// Entries are owned by the host engine and closed alongside it.
type ExternalCache struct {
	mu       sync.Mutex
	host     *Engine
	hostURI  string
	entries  map[string]*Engine
	openFunc func(uri string) (*Engine, error)
}

// NewExternalCache returns a cache whose Resolve calls openFunc to load a URI not seen before.
// host and its own URI are recorded so a self-referencing $ref resolves to host rather than
// opening a second copy of the same file, per spec.md §4.8.
func NewExternalCache(host *Engine, hostURI string, openFunc func(uri string) (*Engine, error)) *ExternalCache {
	return &ExternalCache{
		host:     host,
		hostURI:  stripFragment(hostURI),
		entries:  make(map[string]*Engine),
		openFunc: openFunc,
	}
}

// Resolve returns the engine for uri's base (fragment-stripped) form, opening and caching it on
// first access. A uri whose base equals the host's own URI (or is empty) resolves to host.
func (c *ExternalCache) Resolve(uri string) (*Engine, error) {
	base := stripFragment(uri)
	if base == "" || base == c.hostURI {
		return c.host, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if eng, ok := c.entries[base]; ok {
		return eng, nil
	}
	if c.openFunc == nil {
		return nil, fmt.Errorf("asdf: external reference cache: no opener configured for %s", base)
	}
	eng, err := c.openFunc(base)
	if err != nil {
		return nil, err
	}
	c.entries[base] = eng
	return eng, nil
}

// Close closes every cached entry. The host itself is not touched here; Engine.Close calls this
// before releasing its own stream.
func (c *ExternalCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for uri, eng := range c.entries {
		if err := eng.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.entries, uri)
	}
	return firstErr
}

func stripFragment(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	u.Fragment = ""
	return u.String()
}
