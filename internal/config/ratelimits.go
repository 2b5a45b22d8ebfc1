package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRPS applies to provider endpoints missing from the rate table.
const DefaultRPS = 5

// RateLimitFile is the YAML shape of GREEN_RATE_LIMITS_FILE.
//
//	default_rps: 5
//	endpoints:
//	  sendMessage: 10
//	  getChatHistory: 0.5
type RateLimitFile struct {
	DefaultRPS float64            `yaml:"default_rps"`
	Endpoints  map[string]float64 `yaml:"endpoints"`
}

// DefaultRateLimits returns the built-in requests-per-second table keyed by
// the first path segment of the provider endpoint.
func DefaultRateLimits() map[string]float64 {
	return map[string]float64{
		"getSettings":          1,
		"setSettings":          0.5,
		"getStateInstance":     1,
		"qr":                   1,
		"logout":               0.5,
		"lastIncomingMessages": 0.5,
		"lastOutgoingMessages": 0.5,
		"getChatHistory":       2,
		"downloadFile":         10,
		"sendMessage":          10,
		"sendFileByUpload":     5,
	}
}

// LoadRateLimits parses a YAML rate table override file.
func LoadRateLimits(path string) (*RateLimitFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var out RateLimitFile
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for endpoint, rps := range out.Endpoints {
		if rps <= 0 {
			return nil, fmt.Errorf("config: %s: endpoint %q must have positive rps", path, endpoint)
		}
	}
	return &out, nil
}
