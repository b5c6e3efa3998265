package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carbocation/pfx"
)

// HTTPSource reads a release published under a base URL. Units are fetched
// with Range requests, so the server must support them.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) unitURL(name string) string {
	return h.BaseURL + "/" + url.PathEscape(name)
}

func (h *HTTPSource) ListManifest(ctx context.Context) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.unitURL(ManifestName), nil)
	if err != nil {
		return Manifest{}, pfx.Err(err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Manifest{}, pfx.Err(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, pfx.Err(fmt.Errorf("GET %s: %s", req.URL, resp.Status))
	}

	return ParseManifest(resp.Body)
}

func (h *HTTPSource) FetchRange(ctx context.Context, unitID string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.unitURL(unitID), nil)
	if err != nil {
		return nil, pfx.Err(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	// Ranges must address the stored bytes, not a transparently decoded body.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, ErrRangeNotSatisfiable
	case http.StatusOK:
		// The server ignored the Range header. Only acceptable for a read
		// from the start; otherwise we would silently corrupt the unit.
		if offset != 0 {
			return nil, pfx.Err(fmt.Errorf("GET %s: server does not support range requests", req.URL))
		}
	default:
		return nil, pfx.Err(fmt.Errorf("GET %s: %s", req.URL, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, pfx.Err(err)
	}

	return body, nil
}
