package plugin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mholt/archiver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/errors"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/validation"
)

// InstallSourceKind names where install bytes come from.
type InstallSourceKind string

const (
	InstallFromURL  InstallSourceKind = "url"
	InstallFromFile InstallSourceKind = "file"
	InstallFromZip  InstallSourceKind = "zip"
)

// InstallSource describes a plugin install request.
type InstallSource struct {
	Kind     InstallSourceKind
	Location string // URL, or a local path to a zip file
}

// InstallSignature is a detached signature supplied alongside an install
// request (as opposed to one embedded in the manifest).
type InstallSignature struct {
	Alg       string
	Signature string // base64
	PublicKey []byte // PEM or raw key material
}

// InstallOptions tunes one Install call (spec.md §4.6 install pipeline).
type InstallOptions struct {
	Checksum         *Integrity
	Signature        *InstallSignature
	RequireChecksum  bool
	RequireSignature bool
	FetchTimeout     time.Duration
	LoadTimeout      time.Duration
	Interpreter      string
}

// Manager orchestrates install, load, unload, reload, remove, and lock-file
// maintenance for every plugin under one install root (spec.md §4.6).
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record

	lockMapMu sync.Mutex
	pluginLks map[string]*sync.Mutex

	installRoot string
	loader      *Loader
	policy      Policy
	sigVerifier *SignatureVerifier
	registry    *capability.Registry
	validation  *validation.Manager
	hotReload   *HotReloadManager
	interpreter string

	logger  logging.Logger
	metrics metrics.Metrics
}

// NewManager constructs a Manager. hotReload may be nil; set it with
// SetHotReloadManager once constructed (breaks the import cycle between the
// manager and the hot-reload watcher, which calls back into Reload).
func NewManager(installRoot string, loader *Loader, policy Policy, sigVerifier *SignatureVerifier, registry *capability.Registry, vm *validation.Manager, logger logging.Logger, m metrics.Metrics) *Manager {
	return &Manager{
		records:     make(map[string]*Record),
		pluginLks:   make(map[string]*sync.Mutex),
		installRoot: installRoot,
		loader:      loader,
		policy:      policy,
		sigVerifier: sigVerifier,
		registry:    registry,
		validation:  vm,
		logger:      logger.WithComponent("plugin_manager"),
		metrics:     m.WithPrefix("plugin_manager"),
	}
}

// SetHotReloadManager wires the Hot-Reload Manager in after construction.
func (m *Manager) SetHotReloadManager(hr *HotReloadManager) {
	m.hotReload = hr
}

// SetInterpreter overrides the executable used to run every plugin's entry
// file on Load/Reload ("node" if never called). Install's dry-run load uses
// InstallOptions.Interpreter instead, falling back to this value when unset.
func (m *Manager) SetInterpreter(interpreter string) {
	m.interpreter = interpreter
}

func (m *Manager) effectiveInterpreter(override string) string {
	if override != "" {
		return override
	}
	return m.interpreter
}

// lockFor returns the per-plugin-id mutex, creating it if needed. A plain
// mutex (not a golang.org/x/sync/singleflight.Group) models spec.md §5's
// "operations must not overlap for the same plugin id": singleflight
// collapses concurrent identical calls onto one shared result, which isn't
// what's wanted here — a second caller must block and then run its own
// operation against the post-first-operation state, not share the first
// caller's result.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.lockMapMu.Lock()
	defer m.lockMapMu.Unlock()
	lk, ok := m.pluginLks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.pluginLks[id] = lk
	}
	return lk
}

// Record returns the tracked record for id, if any.
func (m *Manager) Record(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

// AddDiscovered registers a record for a plugin the Discoverer found
// on-disk rather than one Install staged (spec.md §4.4 feeds §4.6: a
// discovered plugin still needs a record before Load/BatchLoad can run
// against it). Re-discovering an id already tracked updates the existing
// unloaded record's manifest and path rather than replacing it, so state
// and LockMeta survive a rescan.
func (m *Manager) AddDiscovered(entry CatalogEntry) *Record {
	pluginDir := filepath.Dir(entry.SourcePath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[entry.ID]; ok {
		if existing.State == StateUnloaded {
			existing.Manifest = entry.Manifest
			existing.Path = pluginDir
			existing.SourcePath = entry.SourcePath
			existing.SourceRoot = entry.SourceRoot
		}
		return existing
	}

	record := &Record{
		ID:         entry.ID,
		Manifest:   entry.Manifest,
		Path:       pluginDir,
		State:      StateUnloaded,
		SourcePath: entry.SourcePath,
		SourceRoot: entry.SourceRoot,
	}
	m.records[entry.ID] = record
	return record
}

// Records returns every tracked record, name-sorted.
func (m *Manager) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Install runs the install pipeline (spec.md §4.6): fetch, policy checks,
// checksum/signature verification, stage/extract, dry-run load, finalize.
func (m *Manager) Install(ctx context.Context, host hosting.Host, source InstallSource, opts InstallOptions) (*Record, error) {
	if opts.RequireChecksum && opts.Checksum == nil {
		return nil, errors.Policy("install", "checksum required but not provided")
	}
	if opts.RequireSignature && opts.Signature == nil {
		return nil, errors.Policy("install", "signature required but not provided")
	}

	payload, err := m.fetchInstallBytes(ctx, source, opts.FetchTimeout)
	if err != nil {
		return nil, err
	}

	if opts.Checksum != nil {
		if err := verifyPayloadChecksum(payload, *opts.Checksum); err != nil {
			return nil, err
		}
	}
	if opts.Signature != nil {
		if !verifySignature(opts.Signature.PublicKey, payload, mustDecodeBase64(opts.Signature.Signature)) {
			return nil, errors.Signature("install", "detached signature verification failed")
		}
	}

	stagingDir := filepath.Join(os.TempDir(), "toolserver-install-"+uuid.New().String())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, errors.IO("install_stage_mkdir", err)
	}
	defer os.RemoveAll(stagingDir)

	zipPath := filepath.Join(stagingDir, "payload.zip")
	if err := os.WriteFile(zipPath, payload, 0o644); err != nil {
		return nil, errors.IO("install_write_payload", err)
	}

	extractDir := filepath.Join(stagingDir, "extracted")
	if err := archiver.Unarchive(zipPath, extractDir); err != nil {
		return nil, errors.Manifest("install_extract", fmt.Sprintf("failed to extract archive: %v", err))
	}

	pluginRoot, err := locatePluginRoot(extractDir)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(pluginRoot, "mcp-plugin.json")
	manifestRaw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Manifest("install_read_manifest", fmt.Sprintf("mcp-plugin.json missing: %v", err))
	}

	distDir := filepath.Join(pluginRoot, "dist")
	if _, err := os.Stat(distDir); err != nil {
		return nil, errors.Integrity("install_check_dist", "archive is missing a dist/ directory")
	}

	manifest, _, err := m.loader.schemaValidator.Validate(manifestRaw)
	if err != nil {
		return nil, err
	}
	if err := VerifyDistHash(distDir, *manifest, m.policy.StrictIntegrity); err != nil {
		return nil, err
	}

	loadTimeout := opts.LoadTimeout
	if loadTimeout == 0 {
		loadTimeout = 10 * time.Second
	}
	dryRunResult, err := m.loader.Load(ctx, host, pluginRoot, manifestRaw, LoadOptions{
		DryRun:        true,
		Interpreter:   m.effectiveInterpreter(opts.Interpreter),
		ImportTimeout: loadTimeout,
	})
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(m.installRoot, manifest.Name)
	if _, err := os.Stat(dest); err == nil {
		return nil, errors.IO("install_finalize", fmt.Errorf("install destination %q already exists", dest))
	}
	if err := finalizeMove(pluginRoot, dest); err != nil {
		return nil, errors.IO("install_finalize", err)
	}

	record := &Record{
		ID:       manifest.Name,
		Manifest: *manifest,
		Path:     dest,
		State:    StateUnloaded,
		Origin:   InstallOrigin{Kind: string(source.Kind), Source: source.Location},
	}

	m.mu.Lock()
	m.records[manifest.Name] = record
	m.mu.Unlock()

	m.logger.Info("plugin_installed", "plugin", manifest.Name, "version", manifest.Version, "tools", len(dryRunResult.Snapshot.Tools))
	m.metrics.Inc("plugins_installed_total")
	return record, nil
}

func (m *Manager) fetchInstallBytes(ctx context.Context, source InstallSource, timeout time.Duration) ([]byte, error) {
	switch source.Kind {
	case InstallFromURL:
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source.Location, nil)
		if err != nil {
			return nil, errors.IO("install_fetch", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, errors.IO("install_fetch", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.IO("install_fetch", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, source.Location))
		}
		return io.ReadAll(resp.Body)
	case InstallFromFile, InstallFromZip:
		data, err := os.ReadFile(source.Location)
		if err != nil {
			return nil, errors.IO("install_fetch", err)
		}
		return data, nil
	default:
		return nil, errors.Manifest("install_fetch", fmt.Sprintf("unrecognized install source kind %q", source.Kind))
	}
}

func verifyPayloadChecksum(payload []byte, checksum Integrity) error {
	sum := sha256.Sum256(payload)
	actual := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(actual), []byte(checksum.Value)) != 1 {
		return errors.Integrity("install_checksum", "payload checksum does not match the supplied value")
	}
	return nil
}

func mustDecodeBase64(s string) []byte {
	b, err := decodeSignature(s)
	if err != nil {
		return nil
	}
	return b
}

// locatePluginRoot finds the plugin's root within an extracted archive,
// preferring the single top-level directory when the archive wraps its
// contents in one (spec.md §4.6 step 5).
func locatePluginRoot(extractDir string) (string, error) {
	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", errors.IO("locate_plugin_root", err)
	}

	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}
	if len(entries) == 1 && len(dirs) == 1 {
		return filepath.Join(extractDir, dirs[0].Name()), nil
	}
	return extractDir, nil
}

// finalizeMove relocates src to dest, the only irreversible step of
// install (spec.md §5 Cancellation). os.Rename covers the common
// same-filesystem case; a manual copy-then-remove handles staging
// directories on a different filesystem than the install root.
func finalizeMove(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyTree(src, dest); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// Load runs the Plugin Loader against an already-installed/discovered
// record and, on success, writes the lock file and registers it for
// hot-reload watching (spec.md §4.6, Load).
func (m *Manager) Load(ctx context.Context, host hosting.Host, id string) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()
	return m.loadLocked(ctx, host, id)
}

// loadLocked is Load's body, factored out so Reload can run a
// dry-run/diff/unload/load sequence atomically under a single acquisition of
// the per-plugin lock instead of releasing and reacquiring it between steps.
func (m *Manager) loadLocked(ctx context.Context, host hosting.Host, id string) error {
	m.mu.Lock()
	record, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return errors.State("load", fmt.Sprintf("no plugin record for id %q", id))
	}

	if !record.Transition(StateLoading) {
		return errors.State("load", fmt.Sprintf("plugin %q cannot transition from %s to LOADING", id, record.State))
	}

	manifestRaw, err := os.ReadFile(filepath.Join(record.Path, "mcp-plugin.json"))
	if err != nil {
		record.Err = err
		record.Transition(StateError)
		return errors.IO("load_read_manifest", err).WithPlugin(id)
	}

	if m.policy.RequireSignatures {
		sigResult, err := m.sigVerifier.Verify(record.Path, record.Manifest, m.policy.TrustedKeyIDs)
		if err != nil {
			record.Err = err
			record.Transition(StateError)
			m.handleLoadFailure(id, record, err)
			return err
		}
		record.SignatureVerified = sigResult.Verified
		record.SignerKeyID = sigResult.KeyID
	}

	result, err := m.loader.Load(ctx, host, record.Path, manifestRaw, LoadOptions{Interpreter: m.interpreter, ImportTimeout: 10 * time.Second})
	if err != nil {
		record.Err = err
		record.Transition(StateError)
		m.handleLoadFailure(id, record, err)
		return err
	}

	record.Manifest = result.Manifest
	record.CapabilitiesCaptured = &result.Snapshot
	record.Transition(StateLoaded)
	record.Transition(StateActive)

	now := time.Now()
	lock := &LockMeta{
		Name:                 record.Manifest.Name,
		Version:              record.Manifest.Version,
		DistHash:             record.Manifest.Dist.Hash,
		FileCountDeclared:    record.Manifest.Dist.FileCount,
		TotalBytesDeclared:   record.Manifest.Dist.TotalBytes,
		Coverage:             record.Manifest.Dist.Coverage,
		InstalledAt:          now,
		UpdatedAt:            now,
		SignatureVerified:    record.SignatureVerified,
		SignerKeyID:          record.SignerKeyID,
		DependenciesPolicy:   string(record.Manifest.EffectiveDependenciesPolicy()),
		ExternalDependencies: len(record.Manifest.ExternalDependencies),
		SchemaPathOverride:   m.policy.SchemaPath,
		StrictCapabilities:   m.policy.StrictCapabilities,
		RequireSignature:     m.policy.RequireSignatures,
	}
	if existing := record.LockMeta; existing != nil {
		lock.InstalledAt = existing.InstalledAt
	}
	record.LockMeta = lock
	if err := writeLockFile(record.Path, lock); err != nil {
		m.logger.Warn("lock_file_write_failed", "plugin", id, "error", err.Error())
	}

	if m.hotReload != nil {
		m.hotReload.Watch(id, filepath.Join(record.Path, "dist"))
	}

	m.logger.Info("plugin_loaded", "plugin", id, "tools", len(result.Snapshot.Tools), "resources", len(result.Snapshot.Resources), "prompts", len(result.Snapshot.Prompts))
	m.metrics.Inc("plugins_loaded_total")
	return nil
}

// handleLoadFailure quarantines the plugin directory when the failure is a
// signature violation (spec.md §4.6, Load: "for signature failures,
// quarantine").
func (m *Manager) handleLoadFailure(id string, record *Record, err error) {
	if !errors.Is(err, errors.CategorySignature) {
		return
	}
	dest, qerr := Quarantine(m.installRoot, id, record.Path, time.Now().Format("20060102150405"))
	if qerr != nil {
		m.logger.Error("quarantine_failed", "plugin", id, "error", qerr.Error())
		return
	}
	record.Path = dest
	m.logger.Warn("plugin_quarantined", "plugin", id, "path", dest)
}

func writeLockFile(pluginDir string, lock *LockMeta) error {
	raw, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(pluginDir, "install.lock.json"), raw, 0o644)
}

// Unload reverses Load: unregisters every captured capability, purges
// bookkeeping, and transitions the record back to UNLOADED (spec.md §4.6).
func (m *Manager) Unload(host hosting.Host, id string) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()
	return m.unloadLocked(host, id)
}

// unloadLocked is Unload's body, factored out for the same reason as
// loadLocked above.
func (m *Manager) unloadLocked(host hosting.Host, id string) error {
	m.mu.Lock()
	record, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return errors.State("unload", fmt.Sprintf("no plugin record for id %q", id))
	}

	if record.CapabilitiesCaptured != nil {
		for _, tool := range record.CapabilitiesCaptured.Tools {
			if err := host.UnregisterTool(tool); err != nil {
				m.logger.Warn("host_unregister_tool_failed", "plugin", id, "tool", tool, "error", err.Error())
			}
		}
		for _, resource := range record.CapabilitiesCaptured.Resources {
			if err := host.UnregisterResource(resource); err != nil {
				m.logger.Warn("host_unregister_resource_failed", "plugin", id, "resource", resource, "error", err.Error())
			}
		}
		for _, prompt := range record.CapabilitiesCaptured.Prompts {
			if err := host.UnregisterPrompt(prompt); err != nil {
				m.logger.Warn("host_unregister_prompt_failed", "plugin", id, "prompt", prompt, "error", err.Error())
			}
		}
	}

	m.registry.RemoveModule(id)
	m.validation.RemoveModule(id)
	if m.hotReload != nil {
		m.hotReload.Unwatch(id)
	}

	record.CapabilitiesCaptured = nil
	if !record.Transition(StateUnloaded) {
		return errors.State("unload", fmt.Sprintf("plugin %q cannot transition from %s to UNLOADED", id, record.State))
	}

	m.logger.Info("plugin_unloaded", "plugin", id)
	m.metrics.Inc("plugins_unloaded_total")
	return nil
}

// Reload re-reads the manifest, dry-run-captures the new code's
// registrations, applies removals before the unload/load cycle re-adds
// everything (spec.md §5 ordering guarantee), then emits pluginReloaded.
func (m *Manager) Reload(ctx context.Context, host hosting.Host, id string) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	record, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return errors.State("reload", fmt.Sprintf("no plugin record for id %q", id))
	}

	manifestRaw, err := os.ReadFile(filepath.Join(record.Path, "mcp-plugin.json"))
	if err != nil {
		return errors.IO("reload_read_manifest", err).WithPlugin(id)
	}

	dryRun, err := m.loader.Load(ctx, host, record.Path, manifestRaw, LoadOptions{DryRun: true, Interpreter: m.interpreter, ImportTimeout: 10 * time.Second})
	if err != nil {
		return err
	}

	if record.CapabilitiesCaptured != nil {
		diff := capability.Diff(*record.CapabilitiesCaptured, dryRun.Snapshot)
		if err := m.registry.ApplyPluginCapabilityDiff(id, diff); err != nil {
			return err
		}
	}

	if err := m.unloadLocked(host, id); err != nil {
		return err
	}
	if err := m.loadLocked(ctx, host, id); err != nil {
		return err
	}

	m.logger.Info("plugin_reloaded", "plugin", id)
	m.metrics.Inc("plugins_reloaded_total")
	return nil
}

// Remove unloads (if necessary) and recursively deletes the plugin's
// install directory.
func (m *Manager) Remove(host hosting.Host, id string) error {
	m.mu.Lock()
	record, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return errors.State("remove", fmt.Sprintf("no plugin record for id %q", id))
	}

	if record.State == StateLoaded || record.State == StateActive {
		if err := m.Unload(host, id); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(record.Path); err != nil {
		return errors.IO("remove_plugin_path", err).WithPlugin(id)
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	m.logger.Info("plugin_removed", "plugin", id)
	m.metrics.Inc("plugins_removed_total")
	return nil
}

// BatchLoad loads every id in dependency order, built from each record's
// manifest.dependencies, detecting cycles and running independent branches
// concurrently within a topological level (spec.md §4.6, loadAllSpecPlugins;
// §5 Concurrency, errgroup-based cross-plugin concurrency).
func (m *Manager) BatchLoad(ctx context.Context, host hosting.Host, ids []string) map[string]error {
	results := make(map[string]error, len(ids))

	levels, err := m.topoLevels(ids)
	if err != nil {
		for _, id := range ids {
			results[id] = err
		}
		return results
	}

	failed := make(map[string]bool)
	var resultsMu sync.Mutex

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range level {
			id := id
			m.mu.RLock()
			record := m.records[id]
			m.mu.RUnlock()

			var blockedOn string
			if record != nil {
				for _, dep := range record.Manifest.Dependencies {
					if failed[dep] {
						blockedOn = dep
						break
					}
				}
			}
			if blockedOn != "" {
				resultsMu.Lock()
				results[id] = errors.State("batch_load", fmt.Sprintf("dependency %q failed to load", blockedOn)).WithPlugin(id)
				failed[id] = true
				resultsMu.Unlock()
				continue
			}

			g.Go(func() error {
				loadErr := m.Load(gctx, host, id)
				resultsMu.Lock()
				results[id] = loadErr
				if loadErr != nil {
					failed[id] = true
				}
				resultsMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	return results
}

// topoLevels Kahn-sorts ids (restricted to dependencies also present in
// ids; dependencies outside the batch are assumed already satisfied) into
// levels of mutually-independent plugins, tie-broken by name for
// determinism (spec.md §8, "batch load order is deterministic").
func (m *Manager) topoLevels(ids []string) ([][]string, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	idSet := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		idSet[id] = true
	}

	m.mu.RLock()
	deps := make(map[string][]string, len(sorted))
	for _, id := range sorted {
		record, ok := m.records[id]
		if !ok {
			deps[id] = nil
			continue
		}
		var ds []string
		for _, d := range record.Manifest.Dependencies {
			if idSet[d] {
				ds = append(ds, d)
			}
		}
		deps[id] = ds
	}
	m.mu.RUnlock()

	indegree := make(map[string]int, len(sorted))
	children := make(map[string][]string, len(sorted))
	for _, id := range sorted {
		indegree[id] = 0
	}
	for id, ds := range deps {
		for _, d := range ds {
			children[d] = append(children[d], id)
			indegree[id]++
		}
	}

	visited := make(map[string]bool, len(sorted))
	var levels [][]string
	remaining := len(sorted)

	for remaining > 0 {
		var level []string
		for _, id := range sorted {
			if !visited[id] && indegree[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			var cyclic []string
			for _, id := range sorted {
				if !visited[id] {
					cyclic = append(cyclic, id)
				}
			}
			return nil, errors.Cycle("batch_load", fmt.Sprintf("dependency cycle among plugins: %v", cyclic))
		}

		for _, id := range level {
			visited[id] = true
			remaining--
			for _, child := range children[id] {
				indegree[child]--
			}
		}
		levels = append(levels, level)
	}

	return levels, nil
}
