// Package capability enforces the deployment capability allow-list against
// per-tool manifests loaded from disk.
package capability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Known capability tokens. The set is closed; manifests declaring tokens
// outside it are rejected at load time.
var KnownCapabilities = map[string]bool{
	"fs.read":         true,
	"fs.write":        true,
	"fs.delete":       true,
	"fs.list":         true,
	"net.http":        true,
	"net.socket":      true,
	"sys.exec":        true,
	"sys.env":         true,
	"clipboard.read":  true,
	"clipboard.write": true,
	"browser.dom":     true,
	"browser.nav":     true,
	"browser.cookies": true,
}

// Manifest is the per-tool policy loaded from <manifest_dir>/<tool-path>.json,
// where dots in the tool id become path separators.
type Manifest struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	OptionalCapabilities []string `json:"optional_capabilities"`
	RiskLevel            string   `json:"risk_level"`
	RequiresApproval     *bool    `json:"requires_approval,omitempty"`
	AllowedArgKeys       []string `json:"allowed_arg_keys,omitempty"`
}

// Options configures a Verifier.
type Options struct {
	ManifestDir string
	// Allowed is the deployment allow-list. Ignored when AllowAll is set.
	Allowed  []string
	AllowAll bool
	// AllowUnknownTools permits calls to tools without a manifest. Risk
	// scoring remains the second line of defense for those.
	AllowUnknownTools bool
}

// Verifier loads tool manifests and denies calls whose required
// capabilities are not in the deployment allow-list.
type Verifier struct {
	dir               string
	allowed           map[string]bool
	allowAll          bool
	allowUnknownTools bool

	mu    sync.RWMutex
	cache map[string]*Manifest // tool id -> manifest (nil = known absent)

	logger *log.Logger
}

func NewVerifier(opts Options) *Verifier {
	v := &Verifier{
		dir:               opts.ManifestDir,
		allowed:           make(map[string]bool),
		allowAll:          opts.AllowAll,
		allowUnknownTools: opts.AllowUnknownTools,
		cache:             make(map[string]*Manifest),
		logger:            log.New(log.Writer(), "[CAPS] ", log.LstdFlags),
	}
	for _, c := range opts.Allowed {
		v.allowed[c] = true
	}

	if v.allowAll {
		v.logger.Printf("⚠️  ⚠️  CAPABILITY ALLOW-LIST DISABLED (ALL) — every capability is permitted. Never use in production.")
	}
	return v
}

// AllowAll reports whether the ALL escape hatch is active, for /health.
func (v *Verifier) AllowAll() bool { return v.allowAll }

// AllowedList returns the configured allow-list for health/admin output.
func (v *Verifier) AllowedList() []string {
	out := make([]string, 0, len(v.allowed))
	for c := range v.allowed {
		out = append(out, c)
	}
	return out
}

// Check verifies tool against its manifest. A tool with no manifest is
// permitted at this stage when unknown tools are allowed; risk scoring is
// the second line of defense.
func (v *Verifier) Check(tool string, args map[string]interface{}) (bool, []string) {
	manifest, err := v.Load(tool)
	if err != nil {
		v.logger.Printf("⚠️  Manifest load failed for %s: %v (denying)", tool, err)
		return false, []string{"manifest_error"}
	}

	if manifest == nil {
		if v.allowUnknownTools {
			return true, nil
		}
		return false, []string{"no_manifest"}
	}

	var denied []string
	if !v.allowAll {
		for _, cap := range manifest.RequiredCapabilities {
			if !v.allowed[cap] {
				denied = append(denied, cap)
			}
		}
	}
	if len(denied) > 0 {
		return false, denied
	}

	if len(manifest.AllowedArgKeys) > 0 {
		allowed := make(map[string]bool, len(manifest.AllowedArgKeys))
		for _, k := range manifest.AllowedArgKeys {
			allowed[k] = true
		}
		for k := range args {
			if !allowed[k] {
				return false, []string{fmt.Sprintf("arg:%s", k)}
			}
		}
	}

	return true, nil
}

// Load reads the manifest for tool, caching the result. Returns (nil, nil)
// when no manifest exists.
func (v *Verifier) Load(tool string) (*Manifest, error) {
	v.mu.RLock()
	m, ok := v.cache[tool]
	v.mu.RUnlock()
	if ok {
		return m, nil
	}

	path := filepath.Join(v.dir, filepath.FromSlash(strings.ReplaceAll(tool, ".", "/"))+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			v.mu.Lock()
			v.cache[tool] = nil
			v.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for _, cap := range append(manifest.RequiredCapabilities, manifest.OptionalCapabilities...) {
		if !KnownCapabilities[cap] {
			return nil, fmt.Errorf("manifest %s declares unknown capability %q", path, cap)
		}
	}

	v.mu.Lock()
	v.cache[tool] = &manifest
	v.mu.Unlock()
	return &manifest, nil
}

// Invalidate drops the cached manifest for tool, forcing a re-read. Used
// when operators update manifests on disk.
func (v *Verifier) Invalidate(tool string) {
	v.mu.Lock()
	delete(v.cache, tool)
	v.mu.Unlock()
}
