// internal/adapter/geocoder/geocoder.go

// Package geocoder resolves display metadata (city/state) for group
// centroids. Lookups are best-effort: any failure degrades to "Unknown"
// upstream, never to an error the caller must handle.
package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Static is an offline geocoder that resolves nothing. Used when no
// geocoding endpoint is configured.
type Static struct{}

// NewStatic creates a geocoder that always reports unknown places
func NewStatic() *Static {
	return &Static{}
}

// ReverseGeocode always returns empty names
func (s *Static) ReverseGeocode(ctx context.Context, lat, lng float64) (string, string, error) {
	return "", "", nil
}

// HTTP queries a Nominatim-compatible reverse geocoding endpoint
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a geocoder against the given base URL
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type reverseResponse struct {
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
	} `json:"address"`
}

// ReverseGeocode returns the city and state for a coordinate pair
func (g *HTTP) ReverseGeocode(ctx context.Context, lat, lng float64) (string, string, error) {
	endpoint := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%s&lon=%s",
		g.baseURL,
		url.QueryEscape(fmt.Sprintf("%f", lat)),
		url.QueryEscape(fmt.Sprintf("%f", lng)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", fmt.Errorf("building reverse geocode request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("calling reverse geocode endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("reverse geocode endpoint returned status %d", resp.StatusCode)
	}

	var parsed reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("decoding reverse geocode response: %w", err)
	}

	city := parsed.Address.City
	if city == "" {
		city = parsed.Address.Town
	}
	if city == "" {
		city = parsed.Address.Village
	}

	return city, parsed.Address.State, nil
}
