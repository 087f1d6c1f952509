package source

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"howett.net/plist"
)

type bundleIdentity struct {
	id   string
	path string
}

// bundleCache remembers the bundle identity of each executable path so
// repeated discovery passes do not re-read Info.plist files.
type bundleCache struct {
	mu      sync.Mutex
	entries map[string]bundleIdentity
}

func newBundleCache() *bundleCache {
	return &bundleCache{entries: make(map[string]bundleIdentity)}
}

func (c *bundleCache) identify(exe string) (id, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[exe]; ok {
		return e.id, e.path
	}
	id, path = identifyBundle(exe)
	c.entries[exe] = bundleIdentity{id: id, path: path}
	return id, path
}

// identifyBundle derives a stable identity for an executable. Inside an
// application bundle this is the innermost .app directory and its
// CFBundleIdentifier; elsewhere the executable path and base name.
func identifyBundle(exe string) (id, path string) {
	if app := enclosingApp(exe); app != "" {
		if id := readBundleIdentifier(filepath.Join(app, "Contents", "Info.plist")); id != "" {
			return id, app
		}
		return strings.TrimSuffix(filepath.Base(app), ".app"), app
	}

	base := filepath.Base(exe)
	if ext := filepath.Ext(base); strings.EqualFold(ext, ".exe") {
		base = strings.TrimSuffix(base, ext)
	}
	return base, exe
}

func enclosingApp(exe string) string {
	dir := exe
	for {
		if strings.HasSuffix(dir, ".app") {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// readBundleIdentifier decodes CFBundleIdentifier from an XML or binary
// property list.
func readBundleIdentifier(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	return decodeBundleIdentifier(f)
}

func decodeBundleIdentifier(r io.ReadSeeker) string {
	var info struct {
		CFBundleIdentifier string `plist:"CFBundleIdentifier"`
	}
	if err := plist.NewDecoder(r).Decode(&info); err != nil {
		return ""
	}
	return strings.TrimSpace(info.CFBundleIdentifier)
}
