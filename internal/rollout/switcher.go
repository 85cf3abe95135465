package rollout

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CurrentLink is the symlink name that marks the live version of a service.
const CurrentLink = "current"

// metaFileName is written into each version directory when it goes live.
const metaFileName = ".deploy-meta.json"

// DefaultKeep is how many versions Prune retains when the caller passes 0.
const DefaultKeep = 5

// ErrArtifactsNotReady indicates the target version directory is missing or
// empty, typically because an upstream copy was interrupted.
var ErrArtifactsNotReady = errors.New("rollout: artifacts not ready")

// ErrSwitchVerification indicates the current link did not resolve to the
// requested version after the switch, even after a retry.
var ErrSwitchVerification = errors.New("rollout: switch verification failed")

// switchMeta is the audit marker written into a version directory.
type switchMeta struct {
	DeploymentID string    `json:"deployment_id"`
	SwitchedAt   time.Time `json:"switched_at"`
}

// Switcher repoints the per-service current symlink between immutable version
// directories laid out as <root>/<project>/<service>/<deploymentID>. The
// switch is commit-by-repoint: a reader following current either sees the old
// complete tree or the new complete tree, never an absent or partial one.
type Switcher struct {
	root   string
	keep   int
	logger *slog.Logger
	now    func() time.Time
}

// New ensures the static root exists and returns a Switcher over it. keep is
// the prune retention count used when a caller passes no explicit value;
// non-positive falls back to DefaultKeep.
func New(root string, keep int, logger *slog.Logger) (*Switcher, error) {
	if root == "" {
		return nil, fmt.Errorf("static root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create static root: %w", err)
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Switcher{
		root:   root,
		keep:   keep,
		logger: logger.With("component", "rollout"),
		now:    time.Now,
	}, nil
}

// SetCurrent makes deploymentID the live version for the service. The target
// directory must already hold the copied artifacts; an empty directory is
// treated as an interrupted copy and rejected. On any failure the previous
// current link is left untouched.
func (s *Switcher) SetCurrent(project, service, deploymentID string) error {
	if err := validateIdentifiers(project, service, deploymentID); err != nil {
		return err
	}

	serviceDir := s.serviceDir(project, service)
	target := filepath.Join(serviceDir, deploymentID)

	entries, err := os.ReadDir(target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArtifactsNotReady, target, err)
	}
	if !hasArtifacts(entries) {
		return fmt.Errorf("%w: %s is empty", ErrArtifactsNotReady, target)
	}

	if err := s.writeMeta(target, deploymentID); err != nil {
		return err
	}

	link := filepath.Join(serviceDir, CurrentLink)
	if err := relink(link, deploymentID); err != nil {
		return err
	}

	resolved, err := s.Current(project, service)
	if err == nil && resolved == deploymentID {
		s.logger.Info("current switched", "project", project, "service", service, "deployment_id", deploymentID)
		return nil
	}

	// Retry once with an absolute target before giving up.
	if err := relink(link, target); err != nil {
		return err
	}
	resolved, err = s.Current(project, service)
	if err != nil || resolved != deploymentID {
		return fmt.Errorf("%w: current resolves to %q, want %q", ErrSwitchVerification, resolved, deploymentID)
	}
	s.logger.Info("current switched", "project", project, "service", service, "deployment_id", deploymentID, "absolute", true)
	return nil
}

// Current returns the deployment id the service's current link resolves to.
func (s *Switcher) Current(project, service string) (string, error) {
	link := filepath.Join(s.serviceDir(project, service), CurrentLink)
	dest, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("read current link: %w", err)
	}
	return filepath.Base(dest), nil
}

// Prune deletes old version directories, keeping the newest keep entries by
// modification time. The directory current resolves to is re-read immediately
// before deleting and is never removed, whatever its age. Individual delete
// failures are logged and skipped.
func (s *Switcher) Prune(project, service string, keep int) error {
	if keep <= 0 {
		keep = s.keep
	}
	serviceDir := s.serviceDir(project, service)
	entries, err := os.ReadDir(serviceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list service versions: %w", err)
	}

	versions := collectVersions(entries)
	if len(versions) <= keep {
		return nil
	}

	// Resolve the live target fresh, not from any earlier read, so a switch
	// racing this prune cannot leave us deleting the new live directory.
	live, _ := s.Current(project, service)

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].modTime.After(versions[j].modTime)
	})

	for _, v := range versions[keep:] {
		if v.name == live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(serviceDir, v.name)); err != nil {
			s.logger.Warn("failed to prune version", "project", project, "service", service, "version", v.name, "error", err)
			continue
		}
		s.logger.Info("version pruned", "project", project, "service", service, "version", v.name)
	}
	return nil
}

// Remove deletes a single version directory. If it was the live target,
// current is repointed to the next-most-recent remaining version, or removed
// entirely when no versions remain. An empty deploymentID removes the whole
// service tree.
func (s *Switcher) Remove(project, service, deploymentID string) error {
	if err := validateIdentifiers(project, service); err != nil {
		return err
	}
	if deploymentID != "" {
		if err := validateIdentifiers(deploymentID); err != nil {
			return err
		}
	}
	serviceDir := s.serviceDir(project, service)

	if deploymentID == "" {
		if err := os.RemoveAll(serviceDir); err != nil {
			return fmt.Errorf("remove service tree: %w", err)
		}
		s.logger.Info("service tree removed", "project", project, "service", service)
		return nil
	}

	wasCurrent := false
	if live, err := s.Current(project, service); err == nil && live == deploymentID {
		wasCurrent = true
	}

	if err := os.RemoveAll(filepath.Join(serviceDir, deploymentID)); err != nil {
		return fmt.Errorf("remove version: %w", err)
	}

	if !wasCurrent {
		return nil
	}

	entries, err := os.ReadDir(serviceDir)
	if err != nil {
		return fmt.Errorf("list remaining versions: %w", err)
	}
	versions := collectVersions(entries)
	link := filepath.Join(serviceDir, CurrentLink)
	if len(versions) == 0 {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove dangling current link: %w", err)
		}
		s.logger.Info("current link removed, no versions remain", "project", project, "service", service)
		return nil
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].modTime.After(versions[j].modTime)
	})
	if err := relink(link, versions[0].name); err != nil {
		return err
	}
	s.logger.Info("current repointed after removal", "project", project, "service", service, "deployment_id", versions[0].name)
	return nil
}

// Versions lists the version directories for a service, newest first.
func (s *Switcher) Versions(project, service string) ([]string, error) {
	serviceDir := s.serviceDir(project, service)
	entries, err := os.ReadDir(serviceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list service versions: %w", err)
	}
	versions := collectVersions(entries)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].modTime.After(versions[j].modTime)
	})
	names := make([]string, 0, len(versions))
	for _, v := range versions {
		names = append(names, v.name)
	}
	return names, nil
}

func (s *Switcher) serviceDir(project, service string) string {
	return filepath.Join(s.root, project, service)
}

func (s *Switcher) writeMeta(target, deploymentID string) error {
	meta := switchMeta{DeploymentID: deploymentID, SwitchedAt: s.now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode switch marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(target, metaFileName), data, 0o644); err != nil {
		return fmt.Errorf("write switch marker: %w", err)
	}
	return nil
}

// relink atomically replaces link so it points at dest: the new symlink is
// created under a temporary name and renamed over the old one. The link is
// never removed first, so a concurrent reader always resolves something.
func relink(link, dest string) error {
	tmp := link + ".tmp-" + uuid.NewString()[:8]
	if err := os.Symlink(dest, tmp); err != nil {
		return fmt.Errorf("create replacement link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace current link: %w", err)
	}
	return nil
}

type version struct {
	name    string
	modTime time.Time
}

func collectVersions(entries []os.DirEntry) []version {
	versions := make([]version, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == CurrentLink {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		versions = append(versions, version{name: entry.Name(), modTime: info.ModTime()})
	}
	return versions
}

func hasArtifacts(entries []os.DirEntry) bool {
	for _, entry := range entries {
		if entry.Name() == metaFileName {
			continue
		}
		return true
	}
	return false
}

func validateIdentifiers(parts ...string) error {
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("rollout identifier cannot be empty")
		}
		if part != filepath.Base(part) || strings.HasPrefix(part, ".") {
			return fmt.Errorf("rollout identifier %q is not a plain path segment", part)
		}
	}
	return nil
}
