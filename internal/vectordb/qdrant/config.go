package qdrant

import (
	"fmt"
	"time"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host         string
	HTTPPort     int
	APIKey       string
	UseTLS       bool
	Timeout      time.Duration
	DefaultLimit int
	// SparseVectorName is the named sparse vector used by sparse queries.
	SparseVectorName string
}

// DefaultConfig returns a configuration for a local Qdrant.
func DefaultConfig() *Config {
	return &Config{
		Host:             "localhost",
		HTTPPort:         6333,
		Timeout:          30 * time.Second,
		DefaultLimit:     10,
		SparseVectorName: "sparse",
	}
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.SparseVectorName == "" {
		c.SparseVectorName = "sparse"
	}
	return nil
}

// GetHTTPURL returns the base URL of the REST API.
func (c *Config) GetHTTPURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.HTTPPort)
}
