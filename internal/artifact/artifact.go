// Package artifact obtains client binaries: resolving a descriptor to a
// release, downloading it into a cache and verifying detached signatures.
package artifact

import (
	"context"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/descriptor"
)

const (
	// VersionLatest selects the newest matching release.
	VersionLatest = "latest"
	// VersionCache selects the newest release already in the cache and never
	// touches the network.
	VersionCache = "cache"
)

type Request struct {
	Version  string
	Platform string
	CacheDir string
	Listener func(backend.ProgressEvent)
}

type Metadata struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	FileName string `json:"file_name,omitempty"`
	URL      string `json:"url,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	// Signature is the location of a detached signature for the release.
	Signature string `json:"signature,omitempty"`
}

type Artifact struct {
	FilePath string
	Metadata Metadata
	CacheHit bool
}

type Resolver interface {
	Resolve(ctx context.Context, d descriptor.Descriptor, req Request) (*Artifact, error)
}

// Progress receives bytes transferred so far and the total, which is -1
// when unknown.
type Progress func(done, total int64)

type Downloader interface {
	Download(ctx context.Context, url string, onProgress Progress) ([]byte, error)
}

type Verification struct {
	Valid    bool
	SignedBy string
}

type Verifier interface {
	Verify(ctx context.Context, filePath, publicKey string, signature []byte) (Verification, error)
}
