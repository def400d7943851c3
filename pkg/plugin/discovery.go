package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/osakka/toolserver/pkg/logging"
)

// CatalogEntry is one discovered plugin, before loading.
type CatalogEntry struct {
	ID         string
	Manifest   Manifest
	SourcePath string
	SourceRoot string
}

// manifestFileNames are searched in preference order; mcp-plugin.json is
// the canonical v2 name.
var manifestFileNames = []string{"mcp-plugin.json", "plugin.json", "package.json"}

// embeddedManifestPattern extracts a JSON object from a `PLUGIN_MANIFEST`
// block comment inside a .js file, for plugins distributed as a single
// script rather than a directory.
var embeddedManifestPattern = regexp.MustCompile(`(?s)PLUGIN_MANIFEST\s*\r?\n(.*?)\r?\n\s*\*/`)

// Discoverer walks a configured list of plugin roots looking for manifests.
type Discoverer struct {
	mu      sync.Mutex
	roots   []string
	catalog map[string]CatalogEntry
	logger  logging.Logger
}

// NewDiscoverer creates a Discoverer over roots.
func NewDiscoverer(roots []string, logger logging.Logger) *Discoverer {
	return &Discoverer{
		roots:   roots,
		catalog: make(map[string]CatalogEntry),
		logger:  logger.WithComponent("plugin_discovery"),
	}
}

// Discover scans all roots and replaces the internal catalog. Discovery is
// idempotent: the catalog is cleared before each scan (spec.md §4.4).
func (d *Discoverer) Discover() (map[string]CatalogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := make(map[string]CatalogEntry)

	for _, root := range d.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				d.logger.Warn("plugin_root_missing", "root", root)
				continue
			}
			return nil, err
		}

		for _, entry := range entries {
			pluginPath := filepath.Join(root, entry.Name())

			if entry.IsDir() {
				if _, err := os.Stat(filepath.Join(pluginPath, ".disabled")); err == nil {
					continue
				}
				catalogEntry, ok := d.scanDirectory(pluginPath, root)
				if ok {
					fresh[catalogEntry.ID] = catalogEntry
				}
				continue
			}

			if strings.HasSuffix(entry.Name(), ".js") {
				catalogEntry, ok := d.scanScriptFile(pluginPath, root)
				if ok {
					fresh[catalogEntry.ID] = catalogEntry
				}
			}
		}
	}

	d.catalog = fresh
	d.logger.Info("plugin_discovery_completed", "plugin_count", len(fresh))
	return d.snapshotLocked(), nil
}

// Catalog returns the most recent discovery result.
func (d *Discoverer) Catalog() map[string]CatalogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Discoverer) snapshotLocked() map[string]CatalogEntry {
	out := make(map[string]CatalogEntry, len(d.catalog))
	for k, v := range d.catalog {
		out[k] = v
	}
	return out
}

func (d *Discoverer) scanDirectory(pluginPath, root string) (CatalogEntry, bool) {
	for _, name := range manifestFileNames {
		manifestPath := filepath.Join(pluginPath, name)
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		return d.buildEntry(raw, manifestPath, root, filepath.Base(pluginPath))
	}
	return CatalogEntry{}, false
}

func (d *Discoverer) scanScriptFile(scriptPath, root string) (CatalogEntry, bool) {
	raw, err := os.ReadFile(scriptPath)
	if err != nil {
		return CatalogEntry{}, false
	}
	match := embeddedManifestPattern.FindSubmatch(raw)
	if match == nil {
		return CatalogEntry{}, false
	}
	base := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	return d.buildEntry(match[1], scriptPath, root, base)
}

func (d *Discoverer) buildEntry(raw []byte, sourcePath, root, fallbackName string) (CatalogEntry, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		d.logger.Warn("manifest_parse_failed", "path", sourcePath, "error", err.Error())
		return CatalogEntry{}, false
	}

	var manifestVersion string
	if v, ok := doc["manifestVersion"]; ok {
		_ = json.Unmarshal(v, &manifestVersion)
	}
	if manifestVersion != "2" {
		d.logger.Warn("manifest_version_skipped", "path", sourcePath, "manifestVersion", manifestVersion)
		return CatalogEntry{}, false
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		d.logger.Warn("manifest_decode_failed", "path", sourcePath, "error", err.Error())
		return CatalogEntry{}, false
	}

	id := manifest.Name
	if id == "" {
		id = fallbackName
	}

	return CatalogEntry{
		ID:         id,
		Manifest:   manifest,
		SourcePath: sourcePath,
		SourceRoot: root,
	}, true
}

// SortedIDs returns catalog IDs in deterministic order, for stable
// tie-breaking during batch load (spec.md §8, "stable tie-break on name").
func SortedIDs(catalog map[string]CatalogEntry) []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
