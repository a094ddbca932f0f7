// Package updater replaces the running agent-queue binary with a GitHub release
package updater

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	DefaultRepo = "hochfrequenz/agent-queue"
	BinaryName  = "agent-queue"

	checkTimeout    = 10 * time.Second
	downloadTimeout = 5 * time.Minute
)

// Updater checks for and installs releases
type Updater struct {
	APIBase      string // https://api.github.com
	DownloadBase string // https://github.com
	Repo         string
	Binary       string
	GOOS, GOARCH string
	Client       *http.Client
}

// New returns an updater for the public release feed
func New() *Updater {
	return &Updater{
		APIBase:      "https://api.github.com",
		DownloadBase: "https://github.com",
		Repo:         DefaultRepo,
		Binary:       BinaryName,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		Client:       &http.Client{Timeout: downloadTimeout},
	}
}

// GitHubRelease is the part of the GitHub release API response we read
type GitHubRelease struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
}

// LatestVersion fetches the tag of the latest release
func (u *Updater) LatestVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.APIBase, u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := u.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("checking for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}
	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("parsing release info: %w", err)
	}
	if release.TagName == "" {
		return "", errors.New("latest release has no tag")
	}
	return release.TagName, nil
}

// NeedsUpdate reports whether latest is newer than current. Versions look like
// "vX.Y.Z" or "X.Y.Z"; a "dev" build always updates to a release.
func NeedsUpdate(current, latest string) bool {
	current = strings.TrimPrefix(current, "v")
	latest = strings.TrimPrefix(latest, "v")

	if current == "dev" {
		return latest != "dev"
	}

	currentParts := parseVersion(current)
	latestParts := parseVersion(latest)
	for i := 0; i < 3; i++ {
		if latestParts[i] > currentParts[i] {
			return true
		}
		if latestParts[i] < currentParts[i] {
			return false
		}
	}
	return false
}

// parseVersion extracts major, minor, patch; missing parts are zero
func parseVersion(v string) [3]int {
	var parts [3]int
	fmt.Sscanf(v, "%d.%d.%d", &parts[0], &parts[1], &parts[2])
	return parts
}

// ArchiveURL returns the download URL of a release archive for this platform,
// e.g. .../v0.4.0/agent-queue_0.4.0_linux_amd64.tar.gz
func (u *Updater) ArchiveURL(version string) string {
	archive := fmt.Sprintf("%s_%s_%s_%s.tar.gz", u.Binary, strings.TrimPrefix(version, "v"), u.GOOS, u.GOARCH)
	return fmt.Sprintf("%s/%s/releases/download/%s/%s", u.DownloadBase, u.Repo, version, archive)
}

// Install downloads version and replaces the binary at target. An empty target
// means the running executable.
func (u *Updater) Install(ctx context.Context, version, target string) error {
	if target == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		target = exe
	}
	target, err := filepath.EvalSymlinks(target)
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", u.Binary+"-update-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, "release.tar.gz")
	if err := u.download(ctx, u.ArchiveURL(version), archivePath); err != nil {
		return fmt.Errorf("downloading %s: %w", version, err)
	}
	newBinary := filepath.Join(tmpDir, u.Binary)
	if err := extractTarGz(archivePath, newBinary, u.Binary); err != nil {
		return fmt.Errorf("extracting %s: %w", version, err)
	}
	if err := replaceBinary(target, newBinary); err != nil {
		return fmt.Errorf("installing %s: %w", version, err)
	}
	return nil
}

func (u *Updater) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// extractTarGz writes the regular file named name (at any depth) to dest
func extractTarGz(archivePath, dest, name string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if filepath.Base(header.Name) != name || header.Typeflag != tar.TypeReg {
			continue
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
	return fmt.Errorf("binary %s not found in archive", name)
}

// replaceBinary swaps in the new binary, restoring the old one on failure
func replaceBinary(currentPath, newPath string) error {
	info, err := os.Stat(currentPath)
	if err != nil {
		return err
	}

	backupPath := currentPath + ".old"
	os.Remove(backupPath)
	if err := os.Rename(currentPath, backupPath); err != nil {
		return fmt.Errorf("backing up current binary: %w", err)
	}
	// copy, since the temp dir may be on another filesystem
	if err := copyFile(newPath, currentPath, info.Mode()); err != nil {
		os.Rename(backupPath, currentPath)
		return err
	}
	os.Remove(backupPath)
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
