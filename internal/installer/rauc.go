// Package installer wraps the RAUC command-line installer. It is the only
// process boundary that flashes a bundle; everything above it treats a
// non-nil error as a failed cycle.
package installer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// InstallError is the installer failure domain: a missing bundle, a
// missing RAUC binary, or a non-zero install exit.
type InstallError struct {
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install error: %s: %v", e.Reason, e.Err)
	}
	return "install error: " + e.Reason
}

func (e *InstallError) Unwrap() error { return e.Err }

// RAUC installs bundles through the rauc CLI. Bundle paths under the
// add-on share mount are translated to the host-visible supervisor path
// before the install because rauc runs against the host filesystem.
type RAUC struct {
	command      string
	shareDir     string
	hostShareDir string
}

// New creates a RAUC installer with the appliance defaults.
func New() *RAUC {
	return &RAUC{
		command:      "rauc",
		shareDir:     "/share/",
		hostShareDir: "/mnt/data/supervisor/share/",
	}
}

// WithCommand overrides the rauc binary, used by tests.
func (r *RAUC) WithCommand(command string) *RAUC {
	r.command = command
	return r
}

// WithShareDirs overrides the share mount and its host-visible location,
// used by tests. Both paths must end in a slash.
func (r *RAUC) WithShareDirs(shareDir, hostShareDir string) *RAUC {
	r.shareDir = shareDir
	r.hostShareDir = hostShareDir
	return r
}

// Install flashes the bundle at bundlePath. It blocks for the duration of
// the install, streaming rauc output into the log line by line.
func (r *RAUC) Install(ctx context.Context, bundlePath string) error {
	if _, err := os.Stat(bundlePath); err != nil {
		return &InstallError{Reason: fmt.Sprintf("bundle file not found: %s", bundlePath)}
	}

	r.ensureShareLink()
	hostPath := r.hostBundlePath(bundlePath)
	log.Infof("installing bundle: %s", hostPath)

	cmd := exec.CommandContext(ctx, r.command, "install", hostPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &InstallError{Reason: "starting rauc", Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return &InstallError{Reason: "rauc CLI not available", Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			log.Infof("rauc: %s", line)
		}
	}

	if err := cmd.Wait(); err != nil {
		return &InstallError{Reason: "rauc install failed", Err: err}
	}

	log.Infof("bundle install finished successfully")
	return nil
}

func (r *RAUC) hostBundlePath(bundlePath string) string {
	return strings.Replace(bundlePath, r.shareDir, r.hostShareDir, 1)
}

// ensureShareLink makes the add-on share directory reachable from the
// host path rauc sees. Failure is non-fatal: on a correctly provisioned
// host the link already exists.
func (r *RAUC) ensureShareLink() {
	link := strings.TrimSuffix(r.hostShareDir, "/")
	if _, err := os.Lstat(link); err == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		log.Warnf("could not create %s: %v", filepath.Dir(link), err)
		return
	}
	if err := os.Symlink(strings.TrimSuffix(r.shareDir, "/"), link); err != nil {
		log.Warnf("could not link %s -> %s: %v", link, r.shareDir, err)
		return
	}
	log.Infof("created share link %s -> %s", link, r.shareDir)
}
