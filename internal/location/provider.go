package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/swiftdrop/driverlink/internal/domain"
)

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context) (domain.Coordinates, error)

func (f ProviderFunc) Current(ctx context.Context) (domain.Coordinates, error) {
	return f(ctx)
}

// HTTPProvider reads the device position from a local companion endpoint
// answering `{"lat": ..., "lng": ...}`.
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProvider) Current(ctx context.Context) (domain.Coordinates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return domain.Coordinates{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Coordinates{}, fmt.Errorf("read device location: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Coordinates{}, fmt.Errorf("location provider answered %d", resp.StatusCode)
	}

	var coords domain.Coordinates
	if err := json.NewDecoder(resp.Body).Decode(&coords); err != nil {
		return domain.Coordinates{}, fmt.Errorf("decode device location: %w", err)
	}
	return coords, nil
}
