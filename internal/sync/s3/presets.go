package s3

import (
	"fmt"
	"strings"
)

// Provider names accepted by Preset.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// AWSConfig holds AWS S3-specific configuration.
type AWSConfig struct {
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string // Default: us-east-1
}

// Config returns the remote configuration for AWS S3. AWS uses
// virtual-host style URLs and the SDK's regional endpoint resolution.
func (c AWSConfig) Config() Config {
	region := c.Region
	if region == "" {
		region = "us-east-1"
	}
	return Config{
		Bucket:    c.Bucket,
		Region:    region,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
	}
}

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint  string // e.g. "localhost:9000" or "https://minio.example.com"
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Config returns the remote configuration for MinIO, which requires
// path-style URLs (endpoint/bucket/key).
func (c MinIOConfig) Config() (Config, error) {
	endpoint, err := ParseEndpoint(c.Endpoint, c.UseSSL)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Bucket:       c.Bucket,
		Region:       "us-east-1", // MinIO ignores the region but the signer needs one
		Endpoint:     endpoint,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		UsePathStyle: true,
	}, nil
}

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID string
	Bucket    string
	AccessKey string // R2 API token access key ID
	SecretKey string
}

// Config returns the remote configuration for Cloudflare R2.
func (c R2Config) Config() (Config, error) {
	if c.AccountID == "" {
		return Config{}, fmt.Errorf("r2 account id is required")
	}
	return Config{
		Bucket:    c.Bucket,
		Region:    "auto",
		Endpoint:  R2Endpoint(c.AccountID),
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
	}, nil
}

// R2Endpoint returns the S3 API endpoint of an R2 account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account ID (32 hex characters).
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// ParseEndpoint adds a scheme to endpoint when it has none and drops a
// trailing slash.
func ParseEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// DetectProvider guesses the provider from an endpoint. An empty endpoint
// means AWS.
func DetectProvider(endpoint string) string {
	lower := strings.ToLower(endpoint)
	switch {
	case lower == "" || strings.Contains(lower, "amazonaws.com"):
		return ProviderAWS
	case strings.Contains(lower, "r2.cloudflarestorage.com"):
		return ProviderR2
	default:
		// Self-hosted endpoints are assumed to be MinIO-compatible.
		return ProviderMinIO
	}
}

// Preset completes cfg for the provider its endpoint points at. Self-hosted
// endpoints get path-style addressing; a bare host gets https unless it is
// local. R2 always uses the "auto" region.
func Preset(cfg Config) (Config, error) {
	switch DetectProvider(cfg.Endpoint) {
	case ProviderMinIO:
		local := strings.HasPrefix(cfg.Endpoint, "localhost") || strings.HasPrefix(cfg.Endpoint, "127.0.0.1")
		endpoint, err := ParseEndpoint(cfg.Endpoint, !local)
		if err != nil {
			return Config{}, err
		}
		cfg.Endpoint = endpoint
		cfg.UsePathStyle = true
	case ProviderR2:
		cfg.Region = "auto"
		endpoint, err := ParseEndpoint(cfg.Endpoint, true)
		if err != nil {
			return Config{}, err
		}
		cfg.Endpoint = endpoint
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}
