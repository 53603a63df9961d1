package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ExportTimeout bounds a single POST's wall-clock time.
const ExportTimeout = 1 * time.Second

// ErrInvalidScheme is returned by SetDestination when the URL's scheme is
// neither http nor https, nor the URL absent.
var ErrInvalidScheme = errors.New("export: destination url must be http:// or https://")

type destination struct {
	url   string
	caPEM string
}

// tlsCacheEntry is the exporter's single retained TLS client context.
type tlsCacheEntry struct {
	hasCA bool
	caPEM string
	conf  *tls.Config
}

// Exporter POSTs one buffered record at a time to a configured collector.
// The destination and TLS cache are shared between the dispatch thread
// (writer, via SetDestination) and the export thread (reader, via Send);
// both fields are read together under the same lock so a destination
// change cannot interleave with a Send that has read the URL but not the
// CA.
type Exporter struct {
	client *http.Client

	mu   sync.RWMutex
	dest destination
	tls  *tlsCacheEntry
}

// New constructs an Exporter with no destination configured.
func New() *Exporter {
	return &Exporter{
		client: &http.Client{Timeout: ExportTimeout},
	}
}

// SetDestination validates and installs the collector URL and its CA PEM
// bundle. An empty url clears the destination. When the CA value changes,
// the TLS cache is invalidated.
func (e *Exporter) SetDestination(rawURL, caPEM string) error {
	if rawURL != "" {
		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			return fmt.Errorf("%w: %q", ErrInvalidScheme, rawURL)
		}
		if _, err := url.Parse(rawURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidScheme, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dest.caPEM != caPEM {
		e.tls = nil
	}
	e.dest = destination{url: rawURL, caPEM: caPEM}
	return nil
}

// Send POSTs payload to the configured destination with the given
// content type. It returns sent=false without touching the network if no
// destination is configured, and swallows 4xx/5xx responses, connection
// errors, TLS errors, and timeouts, returning sent=false in all those
// cases too: the record stays in the buffer to be retried later.
func (e *Exporter) Send(ctx context.Context, payload []byte, contentType string) (sent bool) {
	e.mu.RLock()
	dest := e.dest
	e.mu.RUnlock()

	if dest.url == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, ExportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", contentType)

	client := e.client
	if strings.HasPrefix(dest.url, "https://") {
		tlsConf, err := e.tlsConfigFor(dest.caPEM)
		if err != nil {
			return false
		}
		client = &http.Client{
			Timeout:   ExportTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsConf},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// tlsConfigFor returns the cached TLS config for caPEM, building and
// caching it if the cache is empty or keyed to a different CA. At most one
// entry is ever retained.
func (e *Exporter) tlsConfigFor(caPEM string) (*tls.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tls != nil && e.tls.hasCA == (caPEM != "") && e.tls.caPEM == caPEM {
		return e.tls.conf, nil
	}

	conf := &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, fmt.Errorf("export: no valid certificates found in CA bundle")
		}
		conf.RootCAs = pool
	}

	e.tls = &tlsCacheEntry{hasCA: caPEM != "", caPEM: caPEM, conf: conf}
	return conf, nil
}
