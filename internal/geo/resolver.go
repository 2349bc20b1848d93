// Package geo resolves a host's public address to a country code. Lookups
// are best-effort bookkeeping: failures are logged and swallowed.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Resolver struct {
	Endpoint string
	HTTP     *http.Client
}

func NewResolver(endpoint string) *Resolver {
	return &Resolver{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *Resolver) Enabled() bool {
	return r.Endpoint != ""
}

// CountryCode looks up the two-letter country code for addr.
func (r *Resolver) CountryCode(ctx context.Context, addr string) (string, error) {
	if !r.Enabled() {
		return "", fmt.Errorf("geo resolver not configured")
	}
	u := fmt.Sprintf("%s/%s?fields=countryCode", r.Endpoint, addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	res, err := r.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return "", fmt.Errorf("geo lookup status %d: %s", res.StatusCode, string(body))
	}
	var out struct {
		CountryCode string `json:"countryCode"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.CountryCode, nil
}
