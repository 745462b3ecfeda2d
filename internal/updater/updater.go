// Package updater provides self-update functionality for the tg-controller
// and tg-minion binaries: it polls GitHub releases for a newer version and,
// once found, downloads the matching platform asset and atomically replaces
// the running binary.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/terragraph-mesh/tgctl/internal/httpclient"
)

// Config holds auto-update configuration.
type Config struct {
	Enabled       bool   `json:"enabled"`
	CheckInterval int    `json:"checkInterval"` // minutes
	Channel       string `json:"channel"`       // stable / beta / dev
}

// GitHubRelease is the subset of a GitHub release response this package
// reads.
type GitHubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt string        `json:"published_at"`
	Body        string        `json:"body"`
	Assets      []GitHubAsset `json:"assets"`
}

// GitHubAsset is a single release asset.
type GitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Updater checks for and applies binary updates for one running process
// (tg-controller or tg-minion, distinguished by binaryPath).
type Updater struct {
	log *slog.Logger

	currentVersion string
	binaryPath     string
	githubRepo     string
	config         Config
	httpClient     *httpclient.Client
}

// New creates an Updater for the binary at binaryPath.
func New(log *slog.Logger, currentVersion, binaryPath string, config Config, githubRepo string) *Updater {
	if log == nil {
		log = slog.Default()
	}
	return &Updater{
		log:            log,
		currentVersion: currentVersion,
		binaryPath:     binaryPath,
		githubRepo:     githubRepo,
		config:         config,
		httpClient: httpclient.New(&http.Client{Timeout: 30 * time.Second}, httpclient.RetryConfig{
			MaxRetries:   3,
			InitialDelay: 2 * time.Second,
		}, log),
	}
}

// Run starts the update check loop: an initial check shortly after launch,
// then one every CheckInterval minutes (defaulting to an hour) until ctx is
// cancelled.
func (u *Updater) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := time.Duration(u.config.CheckInterval) * time.Minute
	if interval < time.Minute {
		interval = time.Hour
	}

	u.log.Info("updater starting", slog.Duration("interval", interval), slog.String("currentVersion", u.currentVersion))

	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
		u.checkAndUpdate(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.log.Info("updater shutting down")
			return
		case <-ticker.C:
			u.checkAndUpdate(ctx)
		}
	}
}

// checkAndUpdate checks for an update and applies it if one is available.
func (u *Updater) checkAndUpdate(ctx context.Context) {
	release, err := u.CheckForUpdate(ctx)
	if err != nil {
		u.log.Warn("update check failed", slog.Any("error", err))
		return
	}
	if release == nil {
		u.log.Debug("already running latest version")
		return
	}

	u.log.Info("new version available", slog.String("current", u.currentVersion), slog.String("new", release.TagName))

	if err := u.DownloadAndApply(ctx, release); err != nil {
		u.log.Warn("failed to apply update", slog.Any("error", err))
		return
	}
}

// CheckForUpdate reports the newest release newer than the running
// version on the configured channel, or nil if already current.
func (u *Updater) CheckForUpdate(ctx context.Context) (*GitHubRelease, error) {
	var url string

	// The /releases/latest endpoint only returns non-prerelease versions,
	// so dev/beta channels must list recent releases and pick the newest
	// prerelease by hand.
	if u.config.Channel == "dev" || u.config.Channel == "beta" {
		url = fmt.Sprintf("https://api.github.com/repos/%s/releases?per_page=10", u.githubRepo)
	} else {
		url = fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", u.githubRepo)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "tgctl-updater")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var release *GitHubRelease
	if u.config.Channel == "dev" || u.config.Channel == "beta" {
		var releases []GitHubRelease
		if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
			return nil, fmt.Errorf("decode releases: %w", err)
		}
		for i := range releases {
			if releases[i].Prerelease {
				release = &releases[i]
				break // first prerelease in the list is the latest
			}
		}
		if release == nil {
			u.log.Debug("no prerelease found for channel", slog.String("channel", u.config.Channel))
			return nil, nil
		}
	} else {
		var r GitHubRelease
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if r.Prerelease {
			return nil, nil
		}
		release = &r
	}

	currentV := normalizeVersion(u.currentVersion)
	releaseV := normalizeVersion(release.TagName)

	if !semver.IsValid(currentV) || !semver.IsValid(releaseV) {
		if u.currentVersion == "dev" || u.currentVersion == release.TagName {
			return nil, nil
		}
		return release, nil
	}
	if semver.Compare(releaseV, currentV) <= 0 {
		return nil, nil
	}
	return release, nil
}

// DownloadAndApply downloads the platform asset from release and replaces
// the running binary, verifying the new binary runs before committing to
// the swap and rolling back on failure.
func (u *Updater) DownloadAndApply(ctx context.Context, release *GitHubRelease) error {
	assetName := fmt.Sprintf("%s-%s-%s", filepath.Base(u.binaryPath), runtime.GOOS, runtime.GOARCH)
	var asset *GitHubAsset
	for i := range release.Assets {
		if strings.Contains(release.Assets[i].Name, assetName) {
			asset = &release.Assets[i]
			break
		}
	}
	if asset == nil {
		return fmt.Errorf("no asset found for %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	u.log.Info("downloading update", slog.String("asset", asset.Name), slog.Int64("size", asset.Size))

	tempPath := u.binaryPath + ".new"
	if err := u.downloadFile(ctx, asset.BrowserDownloadURL, tempPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("download: %w", err)
	}

	if err := os.Chmod(tempPath, 0755); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("chmod: %w", err)
	}

	cmd := exec.CommandContext(ctx, tempPath, "-v")
	if err := cmd.Run(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("verify new binary: %w", err)
	}

	backupPath := u.binaryPath + ".backup"
	os.Remove(backupPath)

	if err := os.Rename(u.binaryPath, backupPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("backup current: %w", err)
	}
	if err := os.Rename(tempPath, u.binaryPath); err != nil {
		os.Rename(backupPath, u.binaryPath)
		return fmt.Errorf("install new: %w", err)
	}

	u.log.Info("update applied, restarting", slog.String("version", release.TagName))
	os.Exit(0)
	return nil
}

// downloadFile downloads url to path, logging a SHA-256 of the content for
// audit purposes (this is an integrity log, not a signature check; GitHub
// release assets aren't independently signed in this workflow).
func (u *Updater) downloadFile(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "tgctl-updater")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, h), resp.Body)
	if err != nil {
		return err
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	u.log.Info("downloaded update asset", slog.Int64("bytes", written), slog.String("sha256", checksum))

	return nil
}

// GetCurrentVersion returns the version this Updater was constructed with.
func (u *Updater) GetCurrentVersion() string {
	return u.currentVersion
}

// normalizeVersion ensures a version string carries the leading 'v' semver
// expects.
func normalizeVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
