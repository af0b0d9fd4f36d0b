package themeapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	BackendREST = "rest"
	BackendS3   = "s3"

	DefaultAPIVersion    = "2024-10"
	DefaultRetryCount    = 3
	DefaultRetryInterval = 1 * time.Second
	defaultStoreDomain   = ".myshopify.com"
)

// Config selects and configures the remote gateway.
type Config struct {
	Backend    string
	Store      string
	Password   string
	APIVersion string
	// BaseURL overrides the admin endpoint derived from Store
	BaseURL       string
	RetryCount    int
	RetryInterval time.Duration
	S3            S3Config
}

type S3Config struct {
	Endpoint      string
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	UseAccelerate bool
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "", BackendREST:
		if c.Store == "" && c.BaseURL == "" {
			return ErrNoStore
		}
		if c.Password == "" {
			return ErrNoPassword
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return ErrNoBucket
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}

func (c *Config) adminURL() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	version := c.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	return fmt.Sprintf("https://%s/admin/api/%s", NormalizeStore(c.Store), version)
}

// NormalizeStore turns "my-shop", "https://my-shop.myshopify.com/" and
// "my-shop.myshopify.com" into the same host.
func NormalizeStore(store string) string {
	s := strings.TrimSpace(strings.ToLower(store))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimRight(s, "/")
	if s != "" && !strings.Contains(s, ".") {
		s += defaultStoreDomain
	}
	return s
}
