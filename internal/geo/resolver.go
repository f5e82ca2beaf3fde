package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Location is a resolved IP geolocation.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
}

// ErrNotResolved indicates the provider had no location for the address.
var ErrNotResolved = errors.New("geo: location not resolved")

// Resolver is the injected geolocation capability. Implementations must honour
// the context deadline; callers treat failures as "unknown location", never as
// a hard error.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// HTTPResolver queries a JSON lookup endpoint of the form <base>/<ip>.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver constructs a resolver against the supplied base URL.
func NewHTTPResolver(baseURL string, timeout time.Duration) (*HTTPResolver, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("geo: base url is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Resolve fetches the location for an IP address.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil, ErrNotResolved
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("geo: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo: lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotResolved
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo: lookup %s: unexpected status %d", ip, resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("geo: decode response: %w", err)
	}
	return &loc, nil
}

// StaticResolver serves locations from a fixed table. Used in tests and for
// air-gapped deployments with a pre-provisioned IP map.
type StaticResolver struct {
	locations map[string]Location
}

// NewStaticResolver builds a resolver over the supplied IP table.
func NewStaticResolver(locations map[string]Location) *StaticResolver {
	table := make(map[string]Location, len(locations))
	for ip, loc := range locations {
		table[strings.TrimSpace(ip)] = loc
	}
	return &StaticResolver{locations: table}
}

// Resolve returns the fixed location for the IP, or ErrNotResolved.
func (r *StaticResolver) Resolve(_ context.Context, ip string) (*Location, error) {
	if loc, ok := r.locations[strings.TrimSpace(ip)]; ok {
		out := loc
		return &out, nil
	}
	return nil, ErrNotResolved
}

const earthRadiusKm = 6371.0

// Distance returns the great-circle distance between two locations in
// kilometres, computed with the haversine formula.
func Distance(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
