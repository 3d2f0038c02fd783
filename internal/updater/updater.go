// Package updater implements the bundle store: it resolves "is there a
// newer OS version" into a hash-verified RAUC bundle on disk. The store
// directory holds at most one artifact at a time.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/umduru/umdu-haos-updater/internal/config"
)

const (
	stableVersionsURL     = "https://raw.githubusercontent.com/umduru/umdu-haos-updater/main/versions.json"
	prereleaseVersionsURL = "https://raw.githubusercontent.com/umduru/umdu-haos-updater/main/versions-beta.json"
	releaseURLTemplate    = "https://github.com/umduru/umdu-haos-updater/releases/download/%s/%s"

	bundlePrefix = "haos_umdu-k1-"
	bundleExt    = ".raucb"

	metadataTimeout = 5 * time.Second
	downloadTimeout = 30 * time.Minute
)

// UpdateInfo describes one available update bundle. SHA256 may be empty
// when the metadata feed carries only a bare version string.
type UpdateInfo struct {
	Version string
	SHA256  string
}

// Filename returns the deterministic bundle file name for this version.
func (i *UpdateInfo) Filename() string {
	return bundlePrefix + i.Version + bundleExt
}

// VersionSource reports the installed OS version.
type VersionSource interface {
	OSVersion(ctx context.Context) (string, error)
}

// ProgressSink observes the download in-flight state so it can be
// mirrored outward (the MQTT update entity shows a spinner).
type ProgressSink interface {
	DownloadProgress(version string, inProgress bool)
}

// Store fetches update metadata and maintains the single cached bundle.
type Store struct {
	dir         string
	metadataURL string
	releaseURL  string
	versions    VersionSource
	progress    ProgressSink
	httpClient  *http.Client
}

// NewStore creates a bundle store rooted at dir, reading metadata from the
// feed selected by channel.
func NewStore(dir string, channel config.Channel, versions VersionSource) *Store {
	metadataURL := stableVersionsURL
	if channel == config.ChannelPrerelease {
		metadataURL = prereleaseVersionsURL
	}
	return &Store{
		dir:         dir,
		metadataURL: metadataURL,
		releaseURL:  releaseURLTemplate,
		versions:    versions,
		httpClient:  &http.Client{Timeout: downloadTimeout},
	}
}

// WithMetadataURL overrides the metadata feed endpoint.
func (s *Store) WithMetadataURL(url string) *Store {
	s.metadataURL = url
	return s
}

// WithReleaseURL overrides the release download template. The template
// receives the version and the bundle file name.
func (s *Store) WithReleaseURL(template string) *Store {
	s.releaseURL = template
	return s
}

// WithProgress registers the download progress observer.
func (s *Store) WithProgress(sink ProgressSink) *Store {
	s.progress = sink
	return s
}

// BundleURL returns the download location for the given update.
func (s *Store) BundleURL(info *UpdateInfo) string {
	return fmt.Sprintf(s.releaseURL, info.Version, info.Filename())
}

// FetchAvailable queries the metadata feed. The feed entry is either a
// bare version string or an object carrying {version, sha256}. Any
// transport or parse failure is a NetworkError; a partial result is never
// returned.
func (s *Store) FetchAvailable(ctx context.Context) (*UpdateInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metadataURL, nil)
	if err != nil {
		return nil, &NetworkError{Op: "fetch versions.json", Err: err}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "fetch versions.json", Err: err}
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "fetch versions.json", Err: fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)}
	}

	var doc struct {
		Hassos struct {
			UmduK1 json.RawMessage `json:"umdu-k1"`
		} `json:"hassos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &NetworkError{Op: "parse versions.json", Err: err}
	}
	if len(doc.Hassos.UmduK1) == 0 {
		return nil, &NetworkError{Op: "parse versions.json", Err: fmt.Errorf("no umdu-k1 entry")}
	}

	var entry struct {
		Version string `json:"version"`
		SHA256  string `json:"sha256"`
	}
	if err := json.Unmarshal(doc.Hassos.UmduK1, &entry); err == nil && entry.Version != "" {
		return &UpdateInfo{Version: entry.Version, SHA256: entry.SHA256}, nil
	}

	var bare string
	if err := json.Unmarshal(doc.Hassos.UmduK1, &bare); err != nil || bare == "" {
		return nil, &NetworkError{Op: "parse versions.json", Err: fmt.Errorf("unrecognized umdu-k1 entry")}
	}
	return &UpdateInfo{Version: bare}, nil
}

// IsNewer reports whether version a is newer than version b. Both are
// compared as semantic versions; when either fails to parse it falls back
// to an inequality-plus-lexicographic comparison so the function stays
// total.
func IsNewer(a, b string) bool {
	va, errA := goversion.NewVersion(a)
	vb, errB := goversion.NewVersion(b)
	if errA != nil || errB != nil {
		return a != b && a > b
	}
	return va.GreaterThan(vb)
}

// Download materializes the bundle described by info and returns its
// path. An existing file is reused when its hash matches (or when no hash
// was published); every other cached bundle is removed before the
// transfer so the store never holds more than one artifact. A failed
// transfer or hash mismatch leaves no file behind.
func (s *Store) Download(ctx context.Context, info *UpdateInfo) (string, error) {
	path := filepath.Join(s.dir, info.Filename())

	if _, err := os.Stat(path); err == nil {
		if info.SHA256 == "" {
			log.Infof("update bundle already present: %s", path)
			return path, nil
		}
		ok, err := verifySHA256(path, info.SHA256)
		if err == nil && ok {
			log.Infof("update bundle already present and valid: %s", path)
			return path, nil
		}
		log.Warnf("cached bundle %s failed verification, refetching", path)
		if err := os.Remove(path); err != nil {
			return "", &DownloadError{Path: path, Err: fmt.Errorf("remove stale bundle: %w", err)}
		}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", &DownloadError{Path: path, Err: err}
	}
	s.pruneBundles(info.Filename())

	s.setProgress(info.Version, true)
	defer s.setProgress(info.Version, false)

	url := s.BundleURL(info)
	log.Infof("downloading update bundle from %s", url)
	if err := s.downloadToFile(ctx, url, path); err != nil {
		return "", err
	}

	if info.SHA256 != "" {
		ok, err := verifySHA256(path, info.SHA256)
		if err != nil || !ok {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warnf("failed removing corrupt bundle %s: %v", path, rmErr)
			}
			if err == nil {
				err = fmt.Errorf("sha256 mismatch after download")
			}
			return "", &DownloadError{Path: path, Err: err}
		}
	}

	log.Infof("update bundle saved: %s", path)
	return path, nil
}

// CheckAndDownload composes the full check: installed version, available
// version, semver comparison and (when autoDownload is set) the bundle
// download. It never returns an error: every failure is logged and
// reported as "no bundle produced".
func (s *Store) CheckAndDownload(ctx context.Context, autoDownload bool) string {
	installed, err := s.versions.OSVersion(ctx)
	if err != nil || installed == "" {
		log.Warnf("could not determine installed OS version: %v", err)
		return ""
	}

	info, err := s.FetchAvailable(ctx)
	if err != nil {
		log.Infof("update metadata unavailable: %v", err)
		return ""
	}

	log.Infof("installed version: %s; available: %s", installed, info.Version)
	if !IsNewer(info.Version, installed) {
		log.Infof("system is up to date")
		return ""
	}

	log.Infof("new version available: %s", info.Version)
	if !autoDownload {
		return ""
	}

	path, err := s.Download(ctx, info)
	if err != nil {
		log.Errorf("bundle download failed: %v", err)
		return ""
	}
	return path
}

// pruneBundles removes every cached bundle except keep.
func (s *Store) pruneBundles(keep string) {
	matches, err := filepath.Glob(filepath.Join(s.dir, bundlePrefix+"*"+bundleExt))
	if err != nil {
		return
	}
	for _, m := range matches {
		if filepath.Base(m) == keep {
			continue
		}
		log.Debugf("removing stale bundle %s", m)
		if err := os.Remove(m); err != nil {
			log.Warnf("failed removing stale bundle %s: %v", m, err)
		}
	}
}

func (s *Store) downloadToFile(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &DownloadError{Path: path, Err: err}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &DownloadError{Path: path, Err: err}
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &DownloadError{Path: path, Err: fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)}
	}

	out, err := os.Create(path)
	if err != nil {
		return &DownloadError{Path: path, Err: err}
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		if rmErr := os.Remove(path); rmErr != nil {
			log.Warnf("failed removing partial bundle %s: %v", path, rmErr)
		}
		return &DownloadError{Path: path, Err: err}
	}
	if err := out.Close(); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Warnf("failed removing partial bundle %s: %v", path, rmErr)
		}
		return &DownloadError{Path: path, Err: err}
	}
	return nil
}

func (s *Store) setProgress(version string, inProgress bool) {
	if s.progress == nil {
		return
	}
	s.progress.DownloadProgress(version, inProgress)
}

func verifySHA256(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer closeBody(f)

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), expected), nil
}

func closeBody(c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warnf("error closing reader: %v", err)
	}
}
