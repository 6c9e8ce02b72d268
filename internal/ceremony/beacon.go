// beacon.go - Public randomness sources for the final contribution
package ceremony

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Beacon yields a public, unpredictable value once it is available
type Beacon interface {
	Value(ctx context.Context) ([]byte, error)
}

// StaticBeacon is a value fixed in advance, e.g. a future block hash that
// has since been published.
type StaticBeacon []byte

// Value returns the fixed value, or an error when it is empty
func (b StaticBeacon) Value(context.Context) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("static beacon has no value")
	}
	return append([]byte(nil), b...), nil
}

// BeaconFunc adapts a function to Beacon
type BeaconFunc func(ctx context.Context) ([]byte, error)

// Value calls f
func (f BeaconFunc) Value(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// HTTPBeacon fetches a drand-style JSON document {"round": n, "randomness": hex}
type HTTPBeacon struct {
	URL    string
	Client *http.Client
}

type beaconDocument struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

// Value fetches and decodes the randomness field
func (b *HTTPBeacon) Value(ctx context.Context) ([]byte, error) {
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("beacon request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("beacon fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beacon fetch: status %d", resp.StatusCode)
	}
	var doc beaconDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("beacon decode: %w", err)
	}
	value, err := hex.DecodeString(doc.Randomness)
	if err != nil || len(value) == 0 {
		return nil, fmt.Errorf("beacon decode: bad randomness %q", doc.Randomness)
	}
	return value, nil
}
