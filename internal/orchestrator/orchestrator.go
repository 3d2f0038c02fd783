// Package orchestrator coordinates checking, downloading and installing
// OS updates. It is the only place that may invoke the installer and the
// single source of truth for the in-progress flag.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/umduru/umdu-haos-updater/internal/config"
	"github.com/umduru/umdu-haos-updater/internal/mqtt"
	"github.com/umduru/umdu-haos-updater/internal/notify"
	"github.com/umduru/umdu-haos-updater/internal/updater"
)

const rebootFlagName = "reboot_required"

// Store produces update metadata and verified bundles.
type Store interface {
	FetchAvailable(ctx context.Context) (*updater.UpdateInfo, error)
	CheckAndDownload(ctx context.Context, autoDownload bool) string
}

// Installer flashes a bundle. The call blocks, possibly for minutes.
type Installer interface {
	Install(ctx context.Context, bundlePath string) error
}

// Transport mirrors state to the hub. Swappable: the supervisor loop
// replaces it on every reconnect.
type Transport interface {
	PublishState(st mqtt.UpdateState) error
	DeactivateUpdateEntity()
	IsReady() bool
}

// Notifier delivers best-effort user notifications.
type Notifier interface {
	Send(ctx context.Context, title, message string)
}

// VersionSource reports the installed OS version.
type VersionSource interface {
	OSVersion(ctx context.Context) (string, error)
}

// Coordinator runs the update flow. The install lock is a boolean
// compare-and-swap with drop semantics: a duplicate install request while
// one is running returns immediately instead of queueing.
type Coordinator struct {
	cfg       *config.Config
	store     Store
	installer Installer
	notifier  Notifier
	versions  VersionSource

	installing atomic.Bool
	// busy serializes the whole check/download/install pipeline; a second
	// trigger while it is held is dropped before the download starts.
	busy atomic.Bool

	mu        sync.Mutex
	transport Transport
	installed string
	latest    string
}

// New creates the coordinator. The transport is wired in later, once the
// supervisor loop has a connection.
func New(cfg *config.Config, store Store, installer Installer, notifier Notifier, versions VersionSource) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		installer: installer,
		notifier:  notifier,
		versions:  versions,
	}
}

// SetTransport swaps the active transport.
func (c *Coordinator) SetTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// InstallInFlight reports whether an install is currently running.
func (c *Coordinator) InstallInFlight() bool {
	return c.installing.Load()
}

// Versions resolves the version pair. Explicit overrides win and are
// cached; otherwise cached values are reused; otherwise a live lookup
// fills the installed version. The cached latest never regresses: when no
// value was ever fetched it falls back to the installed version.
func (c *Coordinator) Versions(ctx context.Context, installed, latest string) (string, string) {
	c.mu.Lock()
	if installed == "" {
		installed = c.installed
	}
	if latest == "" {
		latest = c.latest
	}
	c.mu.Unlock()

	if installed == "" {
		v, err := c.versions.OSVersion(ctx)
		if err != nil || v == "" {
			log.Warnf("could not determine installed OS version: %v", err)
			installed = "unknown"
		} else {
			installed = v
		}
	}
	if latest == "" {
		latest = installed
	}

	c.mu.Lock()
	c.installed = installed
	c.latest = latest
	c.mu.Unlock()
	return installed, latest
}

// RunInstall performs one install: it publishes the in-progress state,
// invokes the installer and resolves the outcome. A concurrent call while
// an install is running is dropped, which is the at-most-one-install
// guarantee, not an error.
func (c *Coordinator) RunInstall(ctx context.Context, bundlePath, latestVersion string) {
	if !c.installing.CompareAndSwap(false, true) {
		log.Infof("install already in progress, dropping request")
		return
	}
	defer c.installing.Store(false)

	// The shutdown path waits for a running install to drain instead of
	// cancelling it; a cancelled context must never reach the flashing
	// subprocess.
	ctx = context.WithoutCancel(ctx)

	installed, target := c.Versions(ctx, "", latestVersion)
	c.publish(installed, target, true)

	err := c.installer.Install(ctx, bundlePath)
	c.publish(installed, target, false)
	if err != nil {
		log.Errorf("bundle install failed: %v", err)
		c.notifier.Send(ctx, "UMDU HAOS Update failed", notify.InstallFailedMessage(err))
		return
	}

	c.touchRebootFlag()
	c.deactivateEntity()
	c.notifier.Send(ctx, "UMDU HAOS Update installed", notify.RebootRequiredMessage(target))
}

// AutoCycleOnce is a single iteration of the auto-update loop. A cycle
// that collides with a running install is skipped entirely, never queued.
func (c *Coordinator) AutoCycleOnce(ctx context.Context) {
	if c.installing.Load() {
		log.Debugf("install in progress, skipping update cycle")
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		log.Debugf("update pipeline busy, skipping update cycle")
		return
	}
	defer c.busy.Store(false)

	c.refreshLatest(ctx)

	bundlePath := c.store.CheckAndDownload(ctx, c.cfg.AutoUpdate)
	if bundlePath != "" && c.cfg.AutoUpdate {
		log.Infof("auto-installing %s", bundlePath)
		c.RunInstall(ctx, bundlePath, "")
		return
	}

	// Idle heartbeat so the hub keeps seeing fresh state.
	c.PublishState(ctx)
}

// HandleInstallCommand reacts to a manual "install" command from the
// hub: resolve the target version, make sure a bundle is on disk, then
// run the unified install flow.
func (c *Coordinator) HandleInstallCommand(ctx context.Context) {
	if !c.busy.CompareAndSwap(false, true) {
		log.Infof("update pipeline busy, dropping install command")
		return
	}
	defer c.busy.Store(false)
	if c.installing.Load() {
		log.Infof("install already in progress, dropping install command")
		return
	}

	latest := c.refreshLatest(ctx)
	log.Infof("manual install requested, target version: %s", orUnknown(latest))

	bundlePath := c.store.CheckAndDownload(ctx, true)
	if bundlePath == "" {
		log.Errorf("no bundle available, install aborted")
		c.PublishState(ctx)
		return
	}
	c.RunInstall(ctx, bundlePath, latest)
}

// PublishState publishes the current state through the transport,
// resolving missing versions from cache or live lookup. Best effort: any
// transport failure is logged, never propagated.
func (c *Coordinator) PublishState(ctx context.Context) {
	installed, latest := c.Versions(ctx, "", "")
	c.publish(installed, latest, false)
}

// DownloadProgress mirrors the bundle-store download state outward. It
// satisfies the updater.ProgressSink interface.
func (c *Coordinator) DownloadProgress(version string, inProgress bool) {
	installed, latest := c.Versions(context.Background(), "", version)
	c.publish(installed, latest, inProgress)
}

// refreshLatest tries to refresh the cached latest version and returns
// it. On failure the previous cached value is kept so a transient network
// error never regresses the displayed version.
func (c *Coordinator) refreshLatest(ctx context.Context) string {
	info, err := c.store.FetchAvailable(ctx)
	if err != nil {
		log.Debugf("latest-version refresh failed, keeping cached value: %v", err)
		c.mu.Lock()
		latest := c.latest
		c.mu.Unlock()
		return latest
	}
	c.mu.Lock()
	c.latest = info.Version
	c.mu.Unlock()
	return info.Version
}

func (c *Coordinator) publish(installed, latest string, inProgress bool) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return
	}
	st := mqtt.UpdateState{InstalledVersion: installed, LatestVersion: latest, InProgress: inProgress}
	if err := t.PublishState(st); err != nil {
		log.Warnf("state publish failed: %v", err)
	}
}

func (c *Coordinator) deactivateEntity() {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.DeactivateUpdateEntity()
}

// touchRebootFlag records that the freshly installed OS waits for a
// reboot.
func (c *Coordinator) touchRebootFlag() {
	path := filepath.Join(c.cfg.DataDir, rebootFlagName)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		log.Warnf("could not write reboot flag %s: %v", path, err)
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
