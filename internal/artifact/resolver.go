package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/pkg/archive"
	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"golang.org/x/mod/semver"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/descriptor"
)

// RepositoryPath resolves the binary from the host's PATH.
const RepositoryPath = "path"

// manifest is the document served by an HTTP repository.
type manifest struct {
	Releases []Metadata `json:"releases"`
}

type ResolverOptions struct {
	Downloader Downloader
	Logger     *log.Logger
	// LookPath finds executables for the "path" repository.
	LookPath func(string) (string, error)
}

// CacheResolver resolves descriptors against three repository forms: the
// literal "path" (host PATH lookup), a local directory of release files, or
// an http(s) URL serving a JSON release manifest. Remote releases are
// downloaded into the request's cache directory and extracted there.
type CacheResolver struct {
	downloader Downloader
	logger     *log.Logger
	lookPath   func(string) (string, error)
	mu         sync.Mutex
}

var _ Resolver = (*CacheResolver)(nil)

func NewResolver(opts ResolverOptions) *CacheResolver {
	downloader := opts.Downloader
	if downloader == nil {
		downloader = NewHTTPDownloader(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &CacheResolver{downloader: downloader, logger: logger, lookPath: lookPath}
}

func (r *CacheResolver) Resolve(ctx context.Context, d descriptor.Descriptor, req Request) (*Artifact, error) {
	platform := descriptor.NormalizePlatform(req.Platform)
	d = d.ForPlatform(platform)
	version := strings.TrimSpace(req.Version)
	if version == "" {
		version = VersionLatest
	}

	repo := strings.TrimSpace(d.Repository)
	switch {
	case repo == RepositoryPath:
		return r.resolvePath(d, platform)
	case strings.HasPrefix(repo, "http://"), strings.HasPrefix(repo, "https://"):
		return r.resolveRemote(ctx, d, platform, version, req)
	default:
		return r.resolveDir(d, platform, version, strings.TrimPrefix(repo, "file://"), req.CacheDir)
	}
}

func (r *CacheResolver) resolvePath(d descriptor.Descriptor, platform string) (*Artifact, error) {
	name := d.ExecutableName(platform)
	if name == "" {
		name = d.Name
	}
	path, err := r.lookPath(name)
	if err != nil {
		return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("find %s on PATH: %w", name, err))
	}
	return &Artifact{FilePath: path, Metadata: Metadata{Name: d.Name, FileName: filepath.Base(path)}, CacheHit: true}, nil
}

func (r *CacheResolver) resolveDir(d descriptor.Descriptor, platform, version, dir, cacheDir string) (*Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("read repository %s: %w", dir, err))
	}
	var releases []Metadata
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		releases = append(releases, Metadata{Name: d.Name, FileName: entry.Name(), Version: VersionFromFileName(entry.Name())})
	}
	release, ok := SelectRelease(releases, d, version)
	if !ok {
		return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("no release in %s matches version %s", dir, version))
	}
	path := filepath.Join(dir, release.FileName)
	if isArchive(path) {
		if cacheDir == "" {
			cacheDir = dir
		}
		binary, err := r.extract(path, d, platform, release.Version, cacheDir)
		if err != nil {
			return nil, err
		}
		return &Artifact{FilePath: binary, Metadata: release, CacheHit: true}, nil
	}
	return &Artifact{FilePath: path, Metadata: release, CacheHit: true}, nil
}

func (r *CacheResolver) resolveRemote(ctx context.Context, d descriptor.Descriptor, platform, version string, req Request) (*Artifact, error) {
	cacheDir := strings.TrimSpace(req.CacheDir)
	if cacheDir == "" {
		return nil, clienterr.Configuration("resolve", "a cache directory is required for remote repository %s", d.Repository)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %q: %w", cacheDir, err)
	}

	if version == VersionCache {
		cached, err := r.resolveDir(d, platform, VersionLatest, cacheDir, cacheDir)
		if err != nil {
			return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("no cached release: %w", err))
		}
		return cached, nil
	}

	body, err := r.downloader.Download(ctx, d.Repository, nil)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("parse release manifest %s: %w", d.Repository, err))
	}
	release, ok := SelectRelease(m.Releases, d, version)
	if !ok {
		return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("no release in %s matches version %s", d.Repository, version))
	}
	release.Name = d.Name

	r.mu.Lock()
	defer r.mu.Unlock()

	dest := filepath.Join(cacheDir, filepath.Base(release.FileName))
	hit, err := fileMatchesSHA256(dest, release.SHA256)
	if err != nil {
		return nil, err
	}
	if !hit {
		b, err := r.downloader.Download(ctx, release.URL, func(done, total int64) {
			event := backend.ProgressEvent{Kind: backend.ProgressDownload, Name: d.Name, ID: release.FileName}
			if total > 0 {
				event.Progress = 100 * float64(done) / float64(total)
				event.Message = humanize.Bytes(uint64(done)) + " / " + humanize.Bytes(uint64(total))
			} else {
				event.Message = humanize.Bytes(uint64(done))
			}
			backend.Emit(req.Listener, event)
		})
		if err != nil {
			return nil, err
		}
		if release.SHA256 != "" {
			sum := sha256.Sum256(b)
			if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, release.SHA256) {
				return nil, clienterr.Resolution("resolve", d.Name, fmt.Errorf("checksum mismatch for %s: got %s want %s", release.URL, got, release.SHA256))
			}
		}
		if err := renameio.WriteFile(dest, b, 0o644); err != nil {
			return nil, fmt.Errorf("store release %q: %w", dest, err)
		}
		r.logger.Info("downloaded release", "client", d.Name, "file", release.FileName, "version", release.Version)
	}

	binary := dest
	if isArchive(dest) {
		binary, err = r.extract(dest, d, platform, release.Version, cacheDir)
		if err != nil {
			return nil, err
		}
	} else if err := os.Chmod(dest, 0o754); err != nil {
		return nil, fmt.Errorf("mark %q executable: %w", dest, err)
	}
	return &Artifact{FilePath: binary, Metadata: release, CacheHit: hit}, nil
}

// extract unpacks archivePath and copies the client binary to
// <cacheDir>/<binary>_<version>. An existing copy is reused.
func (r *CacheResolver) extract(archivePath string, d descriptor.Descriptor, platform, version, cacheDir string) (string, error) {
	binaryName := d.ExecutableName(platform)

	tmp, err := os.MkdirTemp(cacheDir, ".extract-")
	if err != nil {
		return "", fmt.Errorf("create extraction directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	f, err := os.Open(archivePath)
	if err != nil {
		return "", clienterr.Resolution("extract", d.Name, err)
	}
	defer f.Close()
	if err := archive.Untar(f, tmp, &archive.TarOptions{NoLchown: true}); err != nil {
		return "", clienterr.Resolution("extract", d.Name, fmt.Errorf("unpack %s: %w", archivePath, err))
	}

	found := ""
	walkErr := filepath.WalkDir(tmp, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || found != "" {
			return err
		}
		if binaryName == "" || strings.HasSuffix(path, string(filepath.Separator)+binaryName) {
			found = path
		}
		return nil
	})
	if walkErr != nil {
		return "", clienterr.Resolution("extract", d.Name, walkErr)
	}
	if found == "" {
		return "", clienterr.Resolution("extract", d.Name, fmt.Errorf("binary %q not found in %s; set binary_name on the descriptor", binaryName, filepath.Base(archivePath)))
	}
	if binaryName == "" {
		r.logger.Warn("no binary_name set; using first archive entry", "client", d.Name, "binary", filepath.Base(found))
	}

	dest := filepath.Join(cacheDir, fmt.Sprintf("%s_%s", filepath.Base(found), version))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	b, err := os.ReadFile(found)
	if err != nil {
		return "", fmt.Errorf("read extracted binary: %w", err)
	}
	if err := renameio.WriteFile(dest, b, 0o754); err != nil {
		return "", fmt.Errorf("store binary %q: %w", dest, err)
	}
	return dest, nil
}

// SelectRelease picks the newest release whose file name carries the
// descriptor's prefix and passes its filter. A version other than latest or
// cache must match exactly.
func SelectRelease(releases []Metadata, d descriptor.Descriptor, version string) (Metadata, bool) {
	prefix := strings.ToLower(strings.TrimSpace(d.Prefix))
	var candidates []Metadata
	for _, release := range releases {
		name := strings.ToLower(release.FileName)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		if !d.Filter.Match(release.FileName) {
			continue
		}
		if version != VersionLatest && version != VersionCache && canonical(release.Version) != canonical(version) {
			continue
		}
		candidates = append(candidates, release)
	}
	if len(candidates) == 0 {
		return Metadata{}, false
	}
	slices.SortStableFunc(candidates, func(a, b Metadata) int {
		if c := semver.Compare(canonical(a.Version), canonical(b.Version)); c != 0 {
			return c
		}
		return strings.Compare(a.FileName, b.FileName)
	})
	return candidates[len(candidates)-1], true
}

// VersionFromFileName extracts the first dotted numeric token, so
// "geth-linux-amd64-1.13.0-abcdef.tar.gz" yields "1.13.0".
func VersionFromFileName(name string) string {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' }) {
		part = strings.TrimSuffix(strings.TrimSuffix(part, ".gz"), ".tar")
		part = strings.TrimSuffix(part, ".zip")
		if strings.Contains(part, ".") && semver.IsValid(canonical(part)) {
			return part
		}
	}
	return ""
}

func canonical(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return ""
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}

func isArchive(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") || strings.HasSuffix(lower, ".tar")
}

func fileMatchesSHA256(path, want string) (bool, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", path, err)
	}
	if st.IsDir() {
		return false, fmt.Errorf("release path %q is a directory", path)
	}
	if want == "" {
		return true, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, fmt.Errorf("hash %q: %w", path, err)
	}
	return strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), want), nil
}
