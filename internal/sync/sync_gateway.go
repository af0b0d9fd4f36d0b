package sync

import (
	"context"

	"github.com/openmined/themesync/internal/theme"
)

// RemoteGateway is the remote theme store.
type RemoteGateway interface {
	// ListChecksums returns the current fingerprint of every remote asset.
	ListChecksums(ctx context.Context, themeID string) ([]theme.Checksum, error)
	// FetchAsset returns the asset body, or nil when the key does not exist.
	FetchAsset(ctx context.Context, themeID, key string) (*theme.Asset, error)
	// DeleteAsset removes a key. Deleting a missing key is not an error.
	DeleteAsset(ctx context.Context, themeID, key string) error
	// UploadAsset writes the asset and returns the stored fingerprint.
	UploadAsset(ctx context.Context, themeID string, asset *theme.Asset) (*theme.Checksum, error)
}

// Op names a reconciler action.
type Op string

const (
	OpDownload     Op = "download"
	OpUpload       Op = "upload"
	OpDeleteLocal  Op = "delete-local"
	OpDeleteRemote Op = "delete-remote"
)
