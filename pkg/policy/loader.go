package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// BundleRule is the on-disk form of one rule inside a bundle.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type BundleRule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Expression  string `yaml:"expression" json:"expression"`
	Effect      string `yaml:"effect" json:"effect"`
	Priority    int    `yaml:"priority" json:"priority"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// Bundle is a versioned collection of rules for one scope, shipped as a YAML
// or JSON file so policy changes deploy without code changes.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Bundle struct {
	Name      string       `yaml:"name" json:"name"`
	Version   string       `yaml:"version" json:"version"` // semver
	Scope     string       `yaml:"scope" json:"scope"`
	Rules     []BundleRule `yaml:"rules" json:"rules"`
	CreatedAt time.Time    `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Loader loads policy bundles from a directory into a Store. Reloading a
// bundle publishes new rule versions; in-flight evaluations keep seeing the
// snapshot they started with.
type Loader struct {
	mu        sync.Mutex
	store     *Store
	bundleDir string
	versions  map[string]*semver.Version // bundle name -> last loaded version
	onReload  func(bundle *Bundle)
	logger    *slog.Logger
}

// NewLoader creates a loader watching the given directory.
func NewLoader(store *Store, bundleDir string) *Loader {
	return &Loader{
		store:     store,
		bundleDir: bundleDir,
		versions:  make(map[string]*semver.Version),
		logger:    slog.Default().With("component", "policy-loader"),
	}
}

// OnReload registers a callback invoked after a bundle is (re)loaded.
func (l *Loader) OnReload(fn func(bundle *Bundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads every .yaml/.yml/.json bundle in the configured directory.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if err != nil {
		return fmt.Errorf("policy: read bundle dir %s: %w", l.bundleDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		if err := l.LoadFile(filepath.Join(l.bundleDir, entry.Name())); err != nil {
			return fmt.Errorf("policy: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Watch re-reads the bundle directory on the given interval until ctx is
// cancelled. Version-gated LoadFile makes repeated sweeps idempotent, so
// this doubles as hot reload: drop a bundle with a higher semver into the
// directory and it activates on the next sweep.
func (l *Loader) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.LoadAll(); err != nil {
				l.logger.WarnContext(ctx, "bundle sweep failed", "error", err)
			}
		}
	}
}

// LoadFile loads a single bundle file and publishes its rules. A bundle whose
// semver is not newer than the previously loaded version of the same bundle
// is skipped, so repeated sweeps are idempotent.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var bundle Bundle
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &bundle)
	} else {
		err = yaml.Unmarshal(data, &bundle)
	}
	if err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}
	if bundle.Scope == "" {
		return fmt.Errorf("bundle %s: scope is required", bundle.Name)
	}

	ver, err := semver.NewVersion(bundle.Version)
	if err != nil {
		return fmt.Errorf("bundle %s: version %q: %w", bundle.Name, bundle.Version, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.versions[bundle.Name]; ok && !ver.GreaterThan(prev) {
		return nil
	}

	for _, br := range bundle.Rules {
		rule := contracts.PolicyRule{
			ID:          br.ID,
			Scope:       bundle.Scope,
			Description: br.Description,
			Expression:  br.Expression,
			Effect:      contracts.RuleEffect(br.Effect),
			Priority:    br.Priority,
			Enabled:     br.Enabled,
		}
		base := l.store.ActiveVersion(bundle.Scope, br.ID)
		if _, err := l.store.Publish(rule, base); err != nil {
			return fmt.Errorf("publish %s/%s: %w", bundle.Scope, br.ID, err)
		}
	}

	l.versions[bundle.Name] = ver
	if l.onReload != nil {
		l.onReload(&bundle)
	}
	return nil
}
