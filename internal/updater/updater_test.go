package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umduru/umdu-haos-updater/internal/config"
)

type fakeVersions struct {
	version string
	err     error
}

func (f *fakeVersions) OSVersion(context.Context) (string, error) {
	return f.version, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) DownloadProgress(version string, inProgress bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%t", version, inProgress))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestStore(t *testing.T, versions VersionSource) *Store {
	t.Helper()
	return NewStore(t.TempDir(), config.ChannelStable, versions)
}

// bundleServer serves content for any path and counts hits.
func bundleServer(t *testing.T, content []byte) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"2.0.0", "1.9.9", true},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "2.0.0", false},
		{"15.3.0", "15.2.0", true},
		{"1.10.0", "1.9.0", true},
		{"b", "a", true},
		{"a", "b", false},
		{"a", "a", false},
	}
	for _, tc := range tests {
		t.Run(tc.a+" vs "+tc.b, func(t *testing.T) {
			assert.Equal(t, tc.want, IsNewer(tc.a, tc.b))
		})
	}
}

func TestFetchAvailableObjectEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hassos":{"umdu-k1":{"version":"15.3.0","sha256":"abcdef"}}}`)
	}))
	defer srv.Close()

	store := newTestStore(t, nil).WithMetadataURL(srv.URL)
	info, err := store.FetchAvailable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "15.3.0", info.Version)
	assert.Equal(t, "abcdef", info.SHA256)
}

func TestFetchAvailableBareVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hassos":{"umdu-k1":"15.3.0"}}`)
	}))
	defer srv.Close()

	store := newTestStore(t, nil).WithMetadataURL(srv.URL)
	info, err := store.FetchAvailable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "15.3.0", info.Version)
	assert.Empty(t, info.SHA256)
}

func TestFetchAvailableFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}},
		{"missing entry", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"hassos":{}}`)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			store := newTestStore(t, nil).WithMetadataURL(srv.URL)
			_, err := store.FetchAvailable(context.Background())
			var netErr *NetworkError
			require.ErrorAs(t, err, &netErr)
		})
	}
}

func TestDownloadReusesValidCachedFile(t *testing.T) {
	content := []byte("bundle-bytes")
	srv, hits := bundleServer(t, content)

	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s")
	info := &UpdateInfo{Version: "1.0.0", SHA256: sha256Hex(content)}

	require.NoError(t, os.MkdirAll(store.dir, 0o755))
	path := filepath.Join(store.dir, info.Filename())
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := store.Download(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Zero(t, *hits, "a valid cached bundle must not be re-downloaded")
}

func TestDownloadAcceptsPresenceWithoutHash(t *testing.T) {
	srv, hits := bundleServer(t, []byte("new-bytes"))

	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s")
	info := &UpdateInfo{Version: "1.0.0"}

	require.NoError(t, os.MkdirAll(store.dir, 0o755))
	path := filepath.Join(store.dir, info.Filename())
	require.NoError(t, os.WriteFile(path, []byte("whatever"), 0o644))

	got, err := store.Download(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Zero(t, *hits)
}

func TestDownloadReplacesCorruptedCachedFile(t *testing.T) {
	content := []byte("good-bundle")
	srv, hits := bundleServer(t, content)

	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s")
	info := &UpdateInfo{Version: "1.0.0", SHA256: sha256Hex(content)}

	require.NoError(t, os.MkdirAll(store.dir, 0o755))
	path := filepath.Join(store.dir, info.Filename())
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	got, err := store.Download(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, 1, *hits)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestDownloadHashMismatchLeavesNoFile(t *testing.T) {
	srv, _ := bundleServer(t, []byte("tampered"))

	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s")
	info := &UpdateInfo{Version: "1.0.0", SHA256: sha256Hex([]byte("expected"))}

	_, err := store.Download(context.Background(), info)
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)

	_, statErr := os.Stat(filepath.Join(store.dir, info.Filename()))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "no partial file may be left behind")
}

func TestDownloadHashComparedCaseInsensitively(t *testing.T) {
	content := []byte("bundle")
	srv, _ := bundleServer(t, content)

	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s")
	info := &UpdateInfo{Version: "1.0.0", SHA256: strings.ToUpper(sha256Hex(content))}

	_, err := store.Download(context.Background(), info)
	require.NoError(t, err)
}

func TestDownloadKeepsSingleArtifact(t *testing.T) {
	content := []byte("v2-bundle")
	srv, _ := bundleServer(t, content)

	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s")
	require.NoError(t, os.MkdirAll(store.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "haos_umdu-k1-0.9.0.raucb"), []byte("old"), 0o644))

	info := &UpdateInfo{Version: "1.0.0", SHA256: sha256Hex(content)}
	got, err := store.Download(context.Background(), info)
	require.NoError(t, err)

	entries, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, info.Filename(), entries[0].Name())
	assert.Equal(t, filepath.Join(store.dir, info.Filename()), got)
}

func TestDownloadProgressMirroredOnBothPaths(t *testing.T) {
	content := []byte("bundle")
	srv, _ := bundleServer(t, content)

	sink := &recordingSink{}
	store := newTestStore(t, nil).WithReleaseURL(srv.URL + "/%s/%s").WithProgress(sink)

	info := &UpdateInfo{Version: "1.0.0", SHA256: sha256Hex(content)}
	_, err := store.Download(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0:true", "1.0.0:false"}, sink.events)

	sink.events = nil
	bad := &UpdateInfo{Version: "2.0.0", SHA256: sha256Hex([]byte("other"))}
	_, err = store.Download(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, []string{"2.0.0:true", "2.0.0:false"}, sink.events, "in-progress must never leak")
}

func TestCheckAndDownload(t *testing.T) {
	content := []byte("bundle")

	newMetaServer := func(t *testing.T, version string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"hassos":{"umdu-k1":{"version":"%s","sha256":"%s"}}}`, version, sha256Hex(content))
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("unknown installed version aborts", func(t *testing.T) {
		store := newTestStore(t, &fakeVersions{err: errors.New("supervisor down")})
		assert.Empty(t, store.CheckAndDownload(context.Background(), true))
	})

	t.Run("metadata failure is quiet", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		store := newTestStore(t, &fakeVersions{version: "15.2.0"}).WithMetadataURL(srv.URL)
		assert.Empty(t, store.CheckAndDownload(context.Background(), true))
	})

	t.Run("no newer version", func(t *testing.T) {
		meta := newMetaServer(t, "15.2.0")
		store := newTestStore(t, &fakeVersions{version: "15.2.0"}).WithMetadataURL(meta.URL)
		assert.Empty(t, store.CheckAndDownload(context.Background(), true))
	})

	t.Run("newer but autodownload off", func(t *testing.T) {
		meta := newMetaServer(t, "15.3.0")
		store := newTestStore(t, &fakeVersions{version: "15.2.0"}).WithMetadataURL(meta.URL)
		assert.Empty(t, store.CheckAndDownload(context.Background(), false))
	})

	t.Run("newer and autodownload", func(t *testing.T) {
		meta := newMetaServer(t, "15.3.0")
		bundles, _ := bundleServer(t, content)
		store := newTestStore(t, &fakeVersions{version: "15.2.0"}).
			WithMetadataURL(meta.URL).
			WithReleaseURL(bundles.URL + "/%s/%s")

		path := store.CheckAndDownload(context.Background(), true)
		require.NotEmpty(t, path)
		assert.Equal(t, "haos_umdu-k1-15.3.0.raucb", filepath.Base(path))
	})
}
