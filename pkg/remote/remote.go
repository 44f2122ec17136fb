// Package remote defines the capabilities the depot pipeline needs from the
// content distribution service.
package remote

import (
	"context"

	"github.com/3leaps/depotwatch/pkg/depot"
)

// ManifestRequest identifies one manifest download.
type ManifestRequest struct {
	DepotID      uint32
	CollectionID uint32
	ManifestID   uint64
	Server       string
	AuthToken    string
	DepotKey     []byte
}

// Client performs the three-step manifest handshake.
//
// Implementations must classify access denial with ErrAccessDenied so callers
// can tell it apart from transient failures.
type Client interface {
	// GetDecryptionKey returns the key that decrypts a depot's manifests.
	GetDecryptionKey(ctx context.Context, depotID, collectionID uint32) ([]byte, error)

	// GetAuthToken returns a download token for depotID on server.
	GetAuthToken(ctx context.Context, depotID uint32, server string) (string, error)

	// DownloadManifest fetches and decrypts a manifest.
	DownloadManifest(ctx context.Context, req ManifestRequest) (*depot.Manifest, error)
}
