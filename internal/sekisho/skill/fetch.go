package skill

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for ingress error mapping.
var (
	// ErrFetchFailed is returned when the code could not be retrieved.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrUnsupportedScheme is returned for skill_url schemes other than
	// http, https and data.
	ErrUnsupportedScheme = errors.New("unsupported skill_url scheme")
)

// DefaultMaxCodeBytes caps how much code a single skill_url may yield.
const DefaultMaxCodeBytes = 10 << 20 // 10 MiB

const fetchTimeout = 15 * time.Second

// Fetcher retrieves skill code bytes. The bytes it returns are fingerprinted
// and pinned; they are never fetched a second time for the same request.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. Pass maxBytes <= 0 to use DefaultMaxCodeBytes.
func NewFetcher(maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCodeBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: fetchTimeout},
		maxBytes: maxBytes,
	}
}

// Fetch resolves a skill_url to code bytes. Supported schemes: http, https
// (a GET that must answer 200) and data (RFC 2397, optionally base64).
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "data":
		return f.decodeDataURI(u.Opaque)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream returned %d", ErrFetchFailed, resp.StatusCode)
	}

	// Read one byte past the cap so oversized bodies are detected without
	// buffering them whole.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: code exceeds %d bytes", ErrFetchFailed, f.maxBytes)
	}

	return body, nil
}

// decodeDataURI decodes the opaque part of a data: URI
// (`[<mediatype>][;base64],<data>`).
func (f *Fetcher) decodeDataURI(opaque string) ([]byte, error) {
	prefix, data, found := strings.Cut(opaque, ",")
	if !found {
		return nil, fmt.Errorf("%w: data URI has no comma separator", ErrFetchFailed)
	}

	var body []byte
	if strings.HasSuffix(prefix, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 in data URI: %v", ErrFetchFailed, err)
		}
		body = decoded
	} else {
		unescaped, err := url.PathUnescape(data)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid escaping in data URI: %v", ErrFetchFailed, err)
		}
		body = []byte(unescaped)
	}

	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: code exceeds %d bytes", ErrFetchFailed, f.maxBytes)
	}

	return body, nil
}
