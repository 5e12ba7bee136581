package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DatabaseURL string // EXAMIO_DATABASE_URL (required)
	HTTPAddr    string // EXAMIO_HTTP_ADDR (default ":8080")
	NATSURL     string // EXAMIO_NATS_URL (optional, empty = no events)
	AuthToken   string // EXAMIO_AUTH_TOKEN (optional, empty = auth disabled)

	// Pricing
	PricingFile string // EXAMIO_PRICING_FILE (optional TOML override)

	// Payment gateway
	GatewayURL     string        // EXAMIO_GATEWAY_URL (required)
	GatewayAPIKey  string        // EXAMIO_GATEWAY_API_KEY (optional)
	GatewayTimeout time.Duration // EXAMIO_GATEWAY_TIMEOUT (default 5s)
	PaymentTTL     time.Duration // EXAMIO_PAYMENT_TTL (default 10m)
	SweepInterval  time.Duration // EXAMIO_SWEEP_INTERVAL (default 1m; 0 = disabled)

	// Archive settings
	ArchiveInterval   time.Duration // EXAMIO_ARCHIVE_INTERVAL (default 3m; 0 = disabled)
	ArchiveS3Bucket   string        // EXAMIO_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // EXAMIO_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // EXAMIO_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Key      string        // EXAMIO_ARCHIVE_S3_KEY (default "examio/ledger.jsonl")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("EXAMIO_DATABASE_URL"),
		HTTPAddr:          envOrDefault("EXAMIO_HTTP_ADDR", ":8080"),
		NATSURL:           os.Getenv("EXAMIO_NATS_URL"),
		AuthToken:         os.Getenv("EXAMIO_AUTH_TOKEN"),
		PricingFile:       os.Getenv("EXAMIO_PRICING_FILE"),
		GatewayURL:        os.Getenv("EXAMIO_GATEWAY_URL"),
		GatewayAPIKey:     os.Getenv("EXAMIO_GATEWAY_API_KEY"),
		ArchiveS3Bucket:   os.Getenv("EXAMIO_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("EXAMIO_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("EXAMIO_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Key:      envOrDefault("EXAMIO_ARCHIVE_S3_KEY", "examio/ledger.jsonl"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("EXAMIO_DATABASE_URL is required")
	}
	if c.GatewayURL == "" {
		return nil, fmt.Errorf("EXAMIO_GATEWAY_URL is required")
	}

	for _, d := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"EXAMIO_GATEWAY_TIMEOUT", "5s", &c.GatewayTimeout},
		{"EXAMIO_PAYMENT_TTL", "10m", &c.PaymentTTL},
		{"EXAMIO_SWEEP_INTERVAL", "1m", &c.SweepInterval},
		{"EXAMIO_ARCHIVE_INTERVAL", "3m", &c.ArchiveInterval},
	} {
		v, err := time.ParseDuration(envOrDefault(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
