package themeapi

import (
	"context"

	"github.com/openmined/themesync/internal/sync"
)

// NewGateway builds the remote gateway selected by cfg.Backend.
func NewGateway(ctx context.Context, cfg *Config) (sync.RemoteGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendS3 {
		gw, err := NewS3GatewayWithConfig(ctx, &cfg.S3)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// check that both gateways implement sync.RemoteGateway
var (
	_ sync.RemoteGateway = (*Client)(nil)
	_ sync.RemoteGateway = (*S3Gateway)(nil)
)
