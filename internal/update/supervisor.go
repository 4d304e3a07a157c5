// Package update implements the three-phase self-update protocol from
// spec.md §4.7: check a release index for a newer, marked-eligible version,
// stage its binary with an integrity digest, and swap it into place on the
// next process start. All durable state is one staged.json file plus a
// staging directory, written the same atomic-temp-then-rename way
// internal/storage.Storage.Put already does for session snapshots.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

	"github.com/Masterminds/semver/v3"

	"github.com/cowork-dev/cowork/internal/logging"
	"github.com/cowork-dev/cowork/pkg/types"
)

// AutoUpdateMarker must appear in a release's notes for it to be eligible,
// per spec.md §6: "a release is eligible for auto-update iff its release
// notes contain the literal substring [auto-update]."
const AutoUpdateMarker = "[auto-update]"

// CheckTimeout bounds the check phase, per spec.md §4.7/§5.
const CheckTimeout = 5 * time.Second

// Release is the subset of a release-index entry the supervisor needs.
type Release struct {
	Version     string            `json:"version"`
	Notes       string            `json:"notes"`
	SHA256      map[string]string `json:"sha256"`      // target triple -> lowercase hex digest
	DownloadURL map[string]string `json:"download_url"` // target triple -> binary URL
}

// ReleaseIndex fetches the current list of releases. The HTTP-backed
// implementation lives with the caller (outside core per spec.md §1); tests
// use a fake.
type ReleaseIndex interface {
	Latest(ctx context.Context) (Release, error)
}

// HTTPReleaseIndex queries a JSON release-index endpoint over HTTP.
type HTTPReleaseIndex struct {
	URL    string
	Client *http.Client
}

func (h *HTTPReleaseIndex) Latest(ctx context.Context) (Release, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return rel, nil
}

// Errors per spec.md §7's Update.{Network,Integrity,Corruption} taxonomy.
var (
	ErrNetwork    = errors.New("update: network error")
	ErrIntegrity  = errors.New("update: integrity mismatch")
	ErrCorruption = errors.New("update: corrupt staged metadata")
)

// Supervisor runs the check/stage/swap protocol.
type Supervisor struct {
	updatesDir     string // <data_dir>/cowork/updates
	currentVersion string
	targetTriple   string
	index          ReleaseIndex
}

// New creates a Supervisor rooted at updatesDir.
func New(updatesDir, currentVersion, targetTriple string, index ReleaseIndex) *Supervisor {
	return &Supervisor{
		updatesDir:     updatesDir,
		currentVersion: currentVersion,
		targetTriple:   targetTriple,
		index:          index,
	}
}

func (s *Supervisor) stagedPath() string {
	return filepath.Join(s.updatesDir, "staged.json")
}

func (s *Supervisor) binaryName() string {
	if runtime.GOOS == "windows" {
		return "cowork.exe"
	}
	return "cowork"
}

// Check queries the release index, bounded by CheckTimeout, and reports
// whether a newer, marked-eligible release exists.
func (s *Supervisor) Check(ctx context.Context) (Release, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	rel, err := s.index.Latest(ctx)
	if err != nil {
		return Release{}, false, err
	}

	if !strings.Contains(rel.Notes, AutoUpdateMarker) {
		return rel, false, nil
	}

	current, err := semver.NewVersion(s.currentVersion)
	if err != nil {
		return rel, false, nil
	}
	latest, err := semver.NewVersion(rel.Version)
	if err != nil {
		return rel, false, nil
	}

	return rel, latest.GreaterThan(current), nil
}

// Stage downloads the release's binary for this supervisor's target triple,
// computing its SHA-256 while streaming, and writes staged.json atomically
// once the digest matches the release index's recorded value. On mismatch
// the partial binary is deleted and the stage is aborted (spec.md §4.7).
func (s *Supervisor) Stage(ctx context.Context, rel Release) error {
	url, ok := rel.DownloadURL[s.targetTriple]
	if !ok {
		return fmt.Errorf("%w: no binary for target %s", ErrNetwork, s.targetTriple)
	}
	wantSHA := strings.ToLower(rel.SHA256[s.targetTriple])

	versionDir := filepath.Join(s.updatesDir, rel.Version)
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	binPath := filepath.Join(versionDir, s.binaryName())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	tmpPath := binPath + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	out.Close()

	gotSHA := hex.EncodeToString(hasher.Sum(nil))
	if wantSHA != "" && gotSHA != wantSHA {
		os.Remove(tmpPath)
		logging.Warn().Str("version", rel.Version).Msg("staged binary failed integrity check, discarding")
		return fmt.Errorf("%w: got %s want %s", ErrIntegrity, gotSHA, wantSHA)
	}

	if err := os.Rename(tmpPath, binPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize staged binary: %w", err)
	}

	staged := types.StagedUpdate{
		Version:        rel.Version,
		CurrentVersion: s.currentVersion,
		Target:         s.targetTriple,
		DownloadedAt:   time.Now().UTC().Format(time.RFC3339),
		BinaryPath:     binPath,
		SHA256:         gotSHA,
		Complete:       true,
	}
	return s.writeStaged(staged)
}

func (s *Supervisor) writeStaged(staged types.StagedUpdate) error {
	if err := os.MkdirAll(s.updatesDir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(staged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal staged update: %w", err)
	}

	tmp := s.stagedPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write staged.json tmp: %w", err)
	}
	if err := os.Rename(tmp, s.stagedPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename staged.json: %w", err)
	}
	return nil
}

// readStaged loads staged.json, treating a corrupt file as absent per
// spec.md §4.7: "Corrupt staged.json is silently discarded."
func (s *Supervisor) readStaged() (types.StagedUpdate, bool) {
	data, err := os.ReadFile(s.stagedPath())
	if err != nil {
		return types.StagedUpdate{}, false
	}
	var staged types.StagedUpdate
	if err := json.Unmarshal(data, &staged); err != nil {
		logging.Warn().Msg("discarding corrupt staged.json")
		os.Remove(s.stagedPath())
		return types.StagedUpdate{}, false
	}
	return staged, true
}

func (s *Supervisor) clearStaged() {
	os.Remove(s.stagedPath())
}

// Swap re-verifies the staged binary's SHA-256 against disk and, if it
// matches, renames the current executable aside and the staged binary into
// its place. Intended to run once at process start before the main loop
// (spec.md §4.7). Verification failure clears staged.json and never
// executes the staged binary.
func (s *Supervisor) Swap(currentExecutable string) error {
	staged, ok := s.readStaged()
	if !ok || !staged.Complete {
		return nil
	}
	defer s.clearStaged()

	f, err := os.Open(staged.BinaryPath)
	if err != nil {
		return fmt.Errorf("%w: staged binary missing: %v", ErrCorruption, err)
	}
	hasher := sha256.New()
	_, err = io.Copy(hasher, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	}

	gotSHA := hex.EncodeToString(hasher.Sum(nil))
	if gotSHA != staged.SHA256 {
		logging.Warn().Str("version", staged.Version).Msg("staged binary integrity check failed at swap, aborting")
		return fmt.Errorf("%w: staged binary modified since stage", ErrIntegrity)
	}

	backupPath := currentExecutable + ".bak"
	if err := os.Rename(currentExecutable, backupPath); err != nil {
		return fmt.Errorf("back up current executable: %w", err)
	}
	if err := os.Rename(staged.BinaryPath, currentExecutable); err != nil {
		// best-effort restore
		os.Rename(backupPath, currentExecutable)
		return fmt.Errorf("swap in staged binary: %w", err)
	}
	os.Chmod(currentExecutable, 0755)
	os.Remove(backupPath)
	os.RemoveAll(filepath.Dir(staged.BinaryPath))

	logging.Info().Str("version", staged.Version).Msg("swapped in updated binary")
	return nil
}
