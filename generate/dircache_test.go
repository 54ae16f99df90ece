package generate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDirCacheGetMiss(t *testing.T) {
	dc := NewDirCache()
	defer dc.Close()

	if got := dc.Get("/nonexistent/path"); got != nil {
		t.Errorf("expected nil for cache miss, got %+v", got)
	}
}

func TestDirCacheGetExpired(t *testing.T) {
	c := ttlcache.New[string, *DirContext](
		ttlcache.WithTTL[string, *DirContext](time.Millisecond),
		ttlcache.WithDisableTouchOnHit[string, *DirContext](),
	)
	go c.Start()
	dc := &DirCache{cache: c}
	defer dc.Close()

	dc.cache.Set("/test", &DirContext{Dir: "/test"}, ttlcache.DefaultTTL)
	time.Sleep(10 * time.Millisecond)

	if got := dc.Get("/test"); got != nil {
		t.Errorf("expected nil for expired entry, got %+v", got)
	}
}

func TestDirCacheGather(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/demo\n\ngo 1.22\n")
	writeFile(t, dir, "go.sum", "")

	dc := NewDirCache()
	defer dc.Close()

	got := dc.Gather(context.Background(), dir)
	if got.PackageManager != "go" {
		t.Errorf("expected go package manager, got %q", got.PackageManager)
	}
	if !strings.Contains(got.Manifests["go.mod"], "module example.com/demo") {
		t.Errorf("unexpected manifests %v", got.Manifests)
	}
	if dc.Get(dir) != got {
		t.Error("gathered context should be cached")
	}
}

func TestDirCacheForFileWarmsInBackground(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"web"}`)

	dc := NewDirCache()
	defer dc.Close()

	path := filepath.Join(dir, "index.js")
	if got := dc.ForFile(path); got != nil {
		t.Fatalf("expected miss on first lookup, got %+v", got)
	}
	deadline := time.Now().Add(5 * time.Second)
	for dc.Get(dir) == nil {
		if time.Now().After(deadline) {
			t.Fatal("directory was never gathered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := dc.ForFile(path); got == nil || got.Manifests["package.json"] == "" {
		t.Errorf("expected cached context with manifest, got %+v", got)
	}
	if dc.ForFile("") != nil {
		t.Error("empty path must not be looked up")
	}
}

func TestExtractGoModInfo(t *testing.T) {
	content := `module github.com/example/app

go 1.22

require (
	github.com/google/uuid v1.6.0
	golang.org/x/sys v0.20.0 // indirect
)
`
	got := extractGoModInfo(content)
	want := "module github.com/example/app, go 1.22, requires github.com/google/uuid"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractCargoInfo(t *testing.T) {
	content := `[package]
name = "myapp"
edition = "2021"

[dependencies]
serde = { version = "1", features = ["derive"] }
anyhow = "1"
`
	got := extractCargoInfo(content)
	want := `name = "myapp", edition = "2021", dependencies anyhow serde`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if extractCargoInfo("not [valid toml") != "" {
		t.Error("invalid TOML should yield nothing")
	}
}

func TestExtractPyprojectInfo(t *testing.T) {
	content := `[project]
name = "tool"
requires-python = ">=3.11"
dependencies = ["httpx", "rich"]
`
	got := extractPyprojectInfo(content)
	want := `name = "tool", python >=3.11, dependencies httpx rich`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractPackageJSONInfo(t *testing.T) {
	content := `{"name":"web","dependencies":{"react":"^18","next":"14"},"devDependencies":{"vitest":"1"}}`
	got := extractPackageJSONInfo(content)
	want := `name = "web", dependencies next react, devDependencies vitest`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if extractPackageJSONInfo("{") != "" {
		t.Error("invalid JSON should yield nothing")
	}
}

func TestGatherManifestsNearerWins(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "svc")
	os.Mkdir(sub, 0755)
	writeFile(t, root, "go.mod", "module example.com/root\n")
	writeFile(t, sub, "go.mod", "module example.com/root/svc\n")

	out := make(map[string]string)
	gatherManifests(root, out)
	gatherManifests(sub, out)
	if out["go.mod"] != "module example.com/root/svc" {
		t.Errorf("expected nearer manifest, got %q", out["go.mod"])
	}
}

func TestDetectPackageManager(t *testing.T) {
	dir := t.TempDir()
	root := t.TempDir()
	if got := detectPackageManager(dir, root); got != "" {
		t.Errorf("expected none, got %q", got)
	}
	writeFile(t, root, "Cargo.lock", "")
	if got := detectPackageManager(dir, root); got != "cargo" {
		t.Errorf("expected root lockfile to be used, got %q", got)
	}
	writeFile(t, dir, "pnpm-lock.yaml", "")
	if got := detectPackageManager(dir, root); got != "pnpm" {
		t.Errorf("expected dir lockfile to win, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("got %q", got)
	}
}

func TestToSingleLine(t *testing.T) {
	if got := toSingleLine("a\n  b\tc", 100); got != "a b c" {
		t.Errorf("got %q", got)
	}
}
