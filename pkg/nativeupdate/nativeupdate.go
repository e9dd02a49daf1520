// Package nativeupdate implements NativeBinaryUpdater (spec §4.H): release
// fetch, selective upstream-file replacement, quiesce/restore around the
// swap, and rollback on validation failure for the native LLM-serving
// binary's install directory.
package nativeupdate

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clara-ai/clarad/pkg/bus"
	"github.com/clara-ai/clarad/pkg/clerr"
)

// essentialFiles is the small subset whose presence after extraction is
// required; anything else missing is tolerated as an optional library
// variant (spec §4.H step 5).
var essentialFiles = []string{"llama-server", "libggml.so"}

// mainBinaries get the executable bit set on POSIX after extraction (spec
// §4.H step 7).
var mainBinaries = []string{"llama-server"}

// targetFiles is the long list of upstream files eligible for replacement:
// main binaries plus shared libraries across CPU/GPU variants (spec §4.H
// step 5). Anything NOT in this set is left untouched by Update.
var targetFiles = []string{
	"llama-server", "llama-server.exe",
	"libggml.so", "libggml.dylib", "ggml.dll",
	"libggml-base.so", "libggml-base.dylib", "ggml-base.dll",
	"libggml-cpu.so", "libggml-cpu.dylib", "ggml-cpu.dll",
	"libggml-cuda.so", "ggml-cuda.dll",
	"libggml-metal.so", "libggml-metal.dylib",
	"libggml-vulkan.so", "ggml-vulkan.dll",
	"libllama.so", "libllama.dylib", "llama.dll",
}

// customFilePrefixes names the files this project adds to the install
// directory that Update must never touch, regardless of the platform
// (spec §4.H: "custom files are preserved by name-prefix allowlist").
var customFilePrefixes = []string{"clara-", "custom-"}

func isCustomFile(name string) bool {
	for _, prefix := range customFilePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Release is the subset of the upstream release-catalog JSON this pipeline
// needs (spec §4.H step 1).
type Release struct {
	TagName string  `json:"tag_name"`
	HTMLURL string  `json:"html_url"`
	Assets  []Asset `json:"assets"`
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Validate checks the required top-level fields are present (spec §4.H
// step 1).
func (r Release) Validate() error {
	if r.TagName == "" || r.HTMLURL == "" || len(r.Assets) == 0 {
		return clerr.New(clerr.ValidationError, "release catalog response missing tag_name/html_url/assets", nil)
	}
	return nil
}

// platformAssetPattern returns the filename regex for the current GOOS/GOARCH
// (spec §4.H step 1).
func platformAssetPattern() *regexp.Regexp {
	osPart := map[string]string{"linux": "linux", "darwin": "macos", "windows": "win"}[runtime.GOOS]
	archPart := map[string]string{"amd64": "x64", "arm64": "arm64"}[runtime.GOARCH]
	return regexp.MustCompile(`(?i)` + osPart + `.*` + archPart)
}

// PickAsset selects the asset whose filename matches this platform/arch.
func PickAsset(r Release) (Asset, bool) {
	pattern := platformAssetPattern()
	for _, a := range r.Assets {
		if pattern.MatchString(a.Name) {
			return a, true
		}
	}
	return Asset{}, false
}

// Inventory is NativeBinaryInventory (spec §3).
type Inventory struct {
	PlatformDir string
	Version     string
	InstallDir  string
}

// ServiceQuiesce stops/restarts the dependent services around the swap
// (spec §4.H step 3/10), most importantly the LLM-serving binary itself.
type ServiceQuiesce interface {
	StopDependents(ctx context.Context) error
	RestartDependents(ctx context.Context) error
}

// Updater runs the update pipeline.
type Updater struct {
	Log               *logrus.Entry
	Bus               *bus.Bus
	ReleaseCatalogURL string
	InstallDir        string
	HTTPClient        *http.Client
	Quiesce           ServiceQuiesce

	updating atomic.Bool
}

// NewUpdater returns a ready-to-use Updater.
func NewUpdater(log *logrus.Entry, b *bus.Bus, releaseCatalogURL, installDir string, quiesce ServiceQuiesce) *Updater {
	return &Updater{
		Log:               log,
		Bus:               b,
		ReleaseCatalogURL: releaseCatalogURL,
		InstallDir:        installDir,
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		Quiesce:           quiesce,
	}
}

// CurrentVersion reads the installed version.txt, returning "" if absent.
func (u *Updater) CurrentVersion() string {
	data, err := os.ReadFile(filepath.Join(u.InstallDir, "version.txt"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// FetchRelease queries the upstream release catalog (spec §4.H step 1).
func (u *Updater) FetchRelease(ctx context.Context) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.ReleaseCatalogURL, nil)
	if err != nil {
		return Release{}, clerr.New(clerr.ValidationError, "build release request", err)
	}
	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return Release{}, clerr.New(clerr.NetworkError, "fetch release catalog", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return Release{}, clerr.New(clerr.NetworkError, "release catalog rate-limited", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Release{}, clerr.New(clerr.NetworkError, fmt.Sprintf("release catalog status %d", resp.StatusCode), nil)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Release{}, clerr.New(clerr.ValidationError, "decode release catalog", err)
	}
	if err := release.Validate(); err != nil {
		return Release{}, err
	}
	return release, nil
}

// ErrIncompleteUpdate is returned when the extracted archive lacks a
// required essential file (spec §4.H step 5, testable property 7).
type ErrIncompleteUpdate struct{ Missing []string }

func (e *ErrIncompleteUpdate) Error() string {
	return fmt.Sprintf("update package is missing required files: %v", e.Missing)
}

// Update runs the full pipeline (spec §4.H steps 1-10). is_updating guards
// re-entrancy: a concurrent call returns ConcurrencyGuard immediately with
// no side effects.
func (u *Updater) Update(ctx context.Context) (string, error) {
	if !u.updating.CompareAndSwap(false, true) {
		return "", clerr.New(clerr.ConcurrencyGuard, "native binary update already in progress", nil)
	}
	defer u.updating.Store(false)

	u.status("checking for updates", bus.LevelInfo)

	release, err := u.FetchRelease(ctx)
	if err != nil {
		return "", err
	}
	latest := release.TagName
	current := u.CurrentVersion()
	if current == latest {
		u.status("native binary already up to date ("+current+")", bus.LevelInfo)
		return latest, nil
	}

	asset, ok := PickAsset(release)
	if !ok {
		return "", clerr.New(clerr.ValidationError, "no release asset matches this platform/arch", nil)
	}

	if u.Quiesce != nil {
		if err := u.Quiesce.StopDependents(ctx); err != nil {
			u.Log.Warnf("stopping dependent services before update: %v", err)
		}
	}
	// Dependent services are restarted whether the update succeeds or fails,
	// since they were stopped unconditionally above (spec S6).
	defer func() {
		if u.Quiesce != nil {
			if err := u.Quiesce.RestartDependents(context.Background()); err != nil {
				u.Log.Warnf("restarting dependent services after update: %v", err)
			}
		}
	}()

	tmpDir, err := os.MkdirTemp("", "clarad-native-update-*")
	if err != nil {
		return "", clerr.New(clerr.ValidationError, "create temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, asset.Name)
	if err := u.download(ctx, asset.BrowserDownloadURL, archivePath); err != nil {
		return "", err
	}

	extractDir := filepath.Join(tmpDir, "extracted")
	if err := extractArchive(archivePath, extractDir); err != nil {
		return "", clerr.New(clerr.ValidationError, "extract archive", err)
	}

	found, err := scanExtracted(extractDir)
	if err != nil {
		return "", clerr.New(clerr.ValidationError, "scan extracted archive", err)
	}

	missing := missingEssentials(found)
	if len(missing) > 0 {
		return "", clerr.New(clerr.ValidationError, "incomplete update package", &ErrIncompleteUpdate{Missing: missing})
	}

	backupDir, err := u.backupInstalled()
	if err != nil {
		return "", clerr.New(clerr.ValidationError, "back up installed files", err)
	}

	if err := u.installFiles(found); err != nil {
		u.restore(backupDir)
		return "", clerr.New(clerr.ValidationError, "install extracted files", err)
	}

	if err := os.WriteFile(filepath.Join(u.InstallDir, "version.txt"), []byte(latest), 0o644); err != nil {
		u.restore(backupDir)
		return "", clerr.New(clerr.ValidationError, "write version.txt", err)
	}

	if err := u.validateInstall(); err != nil {
		u.restore(backupDir)
		return "", clerr.New(clerr.ValidationError, "post-install validation failed, rolled back", err)
	}

	u.status("native binary updated to "+latest, bus.LevelSuccess)
	return latest, nil
}

func (u *Updater) status(message string, level bus.Level) {
	if u.Bus == nil {
		return
	}
	u.Bus.Publish(bus.TopicSetupStatus, bus.SetupStatus{Message: message, Level: level})
}

// download streams the release asset to destPath, emitting
// download.progress bus events (spec §6).
func (u *Updater) download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return clerr.New(clerr.ValidationError, "build download request", err)
	}
	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return clerr.New(clerr.NetworkError, "download "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return clerr.New(clerr.NetworkError, fmt.Sprintf("download %s: status %d", url, resp.StatusCode), nil)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return clerr.New(clerr.ValidationError, "create destination file", err)
	}
	defer out.Close()

	fileName := filepath.Base(destPath)
	total := resp.ContentLength
	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				os.Remove(destPath)
				return clerr.New(clerr.ValidationError, "write download", werr)
			}
			written += int64(n)
			if u.Bus != nil {
				pct := float64(0)
				if total > 0 {
					pct = float64(written) / float64(total) * 100
				}
				u.Bus.Publish(bus.TopicDownloadProgress, bus.DownloadProgress{
					FileName: fileName, Bytes: written, TotalBytes: total, Percentage: pct,
				})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			os.Remove(destPath)
			return clerr.New(clerr.NetworkError, "read download stream", rerr)
		}
	}
	return nil
}

// extractArchive unpacks a .zip or .tar.gz archive using the standard
// library. No example repo in the retrieval pack ships an extraction
// library whose license/shape clearly fits a one-shot release-archive
// unpack (the closest, containerd/stargz-snapshotter/estargz, is a
// specialized lazy-pull format, not a general archive reader), so this one
// concern is implemented on archive/zip + archive/tar + compress/gzip
// rather than an ecosystem dependency.
func extractArchive(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		destPath := filepath.Join(destDir, filepath.Base(f.Name))
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extractZipEntry(f, destPath); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(hdr.Name))
		out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}

// scanExtracted returns the subset of extracted files whose names appear in
// targetFiles, keyed by name -> full path (spec §4.H step 5).
func scanExtracted(extractDir string) (map[string]string, error) {
	wanted := make(map[string]bool, len(targetFiles))
	for _, n := range targetFiles {
		wanted[n] = true
	}

	found := map[string]string{}
	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !wanted[e.Name()] {
			continue
		}
		found[e.Name()] = filepath.Join(extractDir, e.Name())
	}
	return found, nil
}

func missingEssentials(found map[string]string) []string {
	var missing []string
	for _, name := range essentialFiles {
		if _, ok := found[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// backupInstalled copies every currently-installed upstream (non-custom)
// file to a timestamped backup directory (spec §4.H step 6).
func (u *Updater) backupInstalled() (string, error) {
	backupDir := filepath.Join(u.InstallDir, ".backup-"+time.Now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(u.InstallDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() || isCustomFile(e.Name()) {
			continue
		}
		src := filepath.Join(u.InstallDir, e.Name())
		dst := filepath.Join(backupDir, e.Name())
		if err := copyFile(src, dst); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return backupDir, nil
}

// installFiles copies extracted files into place, marking known binary
// names executable on POSIX (spec §4.H step 7).
func (u *Updater) installFiles(found map[string]string) error {
	for name, src := range found {
		dst := filepath.Join(u.InstallDir, name)
		if err := copyFile(src, dst); err != nil {
			return err
		}
		if runtime.GOOS != "windows" && isMainBinary(name) {
			if err := os.Chmod(dst, 0o755); err != nil {
				return err
			}
		}
	}
	return nil
}

func isMainBinary(name string) bool {
	for _, b := range mainBinaries {
		if name == b || name == b+".exe" {
			return true
		}
	}
	return false
}

// restore copies every file from a backup directory back into the install
// directory, best-effort (used on rollback; errors are logged, not
// returned, since we're already on a failure path).
func (u *Updater) restore(backupDir string) {
	if backupDir == "" {
		return
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		u.Log.Warnf("rollback: reading backup dir: %v", err)
		return
	}
	for _, e := range entries {
		src := filepath.Join(backupDir, e.Name())
		dst := filepath.Join(u.InstallDir, e.Name())
		if err := copyFile(src, dst); err != nil {
			u.Log.Warnf("rollback: restoring %s: %v", e.Name(), err)
		}
	}
}

// validateInstall asserts the main binary and at least one required
// library exist on disk (spec §4.H step 9).
func (u *Updater) validateInstall() error {
	mainBin := "llama-server"
	if runtime.GOOS == "windows" {
		mainBin += ".exe"
	}
	if _, err := os.Stat(filepath.Join(u.InstallDir, mainBin)); err != nil {
		return fmt.Errorf("main binary missing after install: %w", err)
	}
	for _, lib := range essentialFiles[1:] {
		if _, err := os.Stat(filepath.Join(u.InstallDir, lib)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no required library present after install")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
