package generate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jellydator/ttlcache/v3"
)

// DirContext describes the project around one directory.
type DirContext struct {
	Dir            string
	ProjectRoot    string            // git top level, empty outside a repository
	PackageManager string            // detected from lockfiles
	Manifests      map[string]string // manifest label -> extracted summary
}

const (
	dirCacheTTL      = 30 * time.Minute
	gatherTimeout    = 3 * time.Second
	manifestMaxBytes = 512
)

// DirCache is a TTL cache of DirContext entries keyed by absolute directory.
type DirCache struct {
	cache *ttlcache.Cache[string, *DirContext]
}

// NewDirCache creates a DirCache and starts its expiration loop.
func NewDirCache() *DirCache {
	c := ttlcache.New[string, *DirContext](
		ttlcache.WithTTL[string, *DirContext](dirCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *DirContext](),
	)
	go c.Start()
	return &DirCache{cache: c}
}

// Close stops the cache expiration loop.
func (dc *DirCache) Close() {
	dc.cache.Stop()
}

// Get returns the cached context of dir, or nil if not cached or expired.
func (dc *DirCache) Get(dir string) *DirContext {
	item := dc.cache.Get(dir)
	if item == nil {
		return nil
	}
	return item.Value()
}

// ForFile returns the cached context of the directory containing path.
// On a miss the directory is gathered in the background and nil is
// returned, so a suggestion never waits for it.
func (dc *DirCache) ForFile(path string) *DirContext {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if c := dc.Get(dir); c != nil {
		return c
	}
	go dc.Gather(context.Background(), dir)
	return nil
}

// Gather collects the project context of dir and caches it.
func (dc *DirCache) Gather(ctx context.Context, dir string) *DirContext {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	entry := &DirContext{
		Dir:       dir,
		Manifests: make(map[string]string),
	}
	entry.ProjectRoot = strings.TrimSpace(runCmd(ctx, dir, "git", "rev-parse", "--show-toplevel"))

	// Manifests nearer the file win over the project root's.
	if entry.ProjectRoot != "" && entry.ProjectRoot != dir {
		gatherManifests(entry.ProjectRoot, entry.Manifests)
	}
	gatherManifests(dir, entry.Manifests)
	entry.PackageManager = detectPackageManager(dir, entry.ProjectRoot)

	dc.cache.Set(dir, entry, ttlcache.DefaultTTL)
	slog.Debug("gathered directory context", "dir", dir, "root", entry.ProjectRoot, "manifests", len(entry.Manifests))
	return entry
}

// runCmd runs a command and returns its stdout, or empty string on error.
func runCmd(ctx context.Context, dir string, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// manifests maps manifest filenames to their prompt label and extractor.
var manifests = []struct {
	file    string
	label   string
	extract func(string) string
}{
	{"go.mod", "go.mod", extractGoModInfo},
	{"Cargo.toml", "Cargo.toml", extractCargoInfo},
	{"pyproject.toml", "pyproject.toml", extractPyprojectInfo},
	{"package.json", "package.json", extractPackageJSONInfo},
}

func gatherManifests(dir string, out map[string]string) {
	for _, m := range manifests {
		data, err := os.ReadFile(filepath.Join(dir, m.file))
		if err != nil {
			continue
		}
		if extracted := m.extract(string(data)); extracted != "" {
			out[m.label] = extracted
		}
	}
}

// extractGoModInfo extracts the module path, Go version and direct
// requirements from go.mod.
func extractGoModInfo(content string) string {
	var parts, deps []string
	inRequire := false
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "module "), strings.HasPrefix(line, "go ") && !strings.HasPrefix(line, "go."):
			parts = append(parts, line)
		case line == "require (":
			inRequire = true
		case inRequire && line == ")":
			inRequire = false
		case inRequire && line != "" && !strings.Contains(line, "// indirect"):
			deps = append(deps, strings.Fields(line)[0])
		}
	}
	if len(deps) > 0 {
		parts = append(parts, "requires "+strings.Join(deps, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

type cargoToml struct {
	Package struct {
		Name    string `toml:"name"`
		Edition string `toml:"edition"`
	} `toml:"package"`
	Dependencies map[string]toml.Primitive `toml:"dependencies"`
}

// extractCargoInfo extracts the crate name, edition and dependency names
// from Cargo.toml.
func extractCargoInfo(content string) string {
	var cargo cargoToml
	if _, err := toml.Decode(content, &cargo); err != nil {
		return ""
	}
	var parts []string
	if cargo.Package.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, cargo.Package.Name))
	}
	if cargo.Package.Edition != "" {
		parts = append(parts, fmt.Sprintf(`edition = "%s"`, cargo.Package.Edition))
	}
	if deps := sortedKeys(cargo.Dependencies); len(deps) > 0 {
		parts = append(parts, "dependencies "+strings.Join(deps, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

type pyprojectToml struct {
	Project struct {
		Name           string   `toml:"name"`
		RequiresPython string   `toml:"requires-python"`
		Dependencies   []string `toml:"dependencies"`
	} `toml:"project"`
}

// extractPyprojectInfo extracts the project name, Python constraint and
// dependencies from pyproject.toml.
func extractPyprojectInfo(content string) string {
	var py pyprojectToml
	if _, err := toml.Decode(content, &py); err != nil {
		return ""
	}
	var parts []string
	if py.Project.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, py.Project.Name))
	}
	if py.Project.RequiresPython != "" {
		parts = append(parts, "python "+py.Project.RequiresPython)
	}
	if len(py.Project.Dependencies) > 0 {
		parts = append(parts, "dependencies "+strings.Join(py.Project.Dependencies, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

// extractPackageJSONInfo extracts the package name and dependency names
// from package.json.
func extractPackageJSONInfo(content string) string {
	var pkg struct {
		Name            string            `json:"name"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return ""
	}
	var parts []string
	if pkg.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, pkg.Name))
	}
	if deps := sortedKeys(pkg.Dependencies); len(deps) > 0 {
		parts = append(parts, "dependencies "+strings.Join(deps, " "))
	}
	if deps := sortedKeys(pkg.DevDependencies); len(deps) > 0 {
		parts = append(parts, "devDependencies "+strings.Join(deps, " "))
	}
	return truncate(strings.Join(parts, ", "), manifestMaxBytes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lockfileMap maps lockfile names to package manager names.
// Ordered by priority (more specific lockfiles first).
var lockfileMap = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
	{"Cargo.lock", "cargo"},
	{"go.sum", "go"},
	{"uv.lock", "uv"},
	{"poetry.lock", "poetry"},
}

// detectPackageManager detects the package manager from lockfile presence.
// Checks dir first, then the project root.
func detectPackageManager(dir, root string) string {
	for _, d := range []string{dir, root} {
		if d == "" {
			continue
		}
		for _, lf := range lockfileMap {
			if _, err := os.Stat(filepath.Join(d, lf.file)); err == nil {
				return lf.manager
			}
		}
	}
	return ""
}

// truncate truncates s to maxBytes, appending "..." if truncated.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "..."
}
