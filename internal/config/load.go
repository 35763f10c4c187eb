package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Load reads the plugin config branch from openclaw.json, then overlays
// env vars. A missing file or missing plugin entry yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// openclaw.json is user-edited and may carry comments / trailing
	// commas, so reads go through json5.
	var doc map[string]any
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if branch, ok := pluginBranch(doc); ok {
		raw, err := json.Marshal(branch)
		if err != nil {
			return nil, fmt.Errorf("extract plugin config: %w", err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse plugin config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save deep-merges the plugin branch back into openclaw.json, leaving
// every unrelated setting in the file untouched. Writes are atomic
// (temp file + rename) and re-serialize as plain JSON.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	raw, err := json.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	var branch map[string]any
	if err := json.Unmarshal(raw, &branch); err != nil {
		return err
	}

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		// A malformed file is not overwritten — better to fail the
		// save than to destroy the user's other plugin settings.
		if err := json5.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse existing config: %w", err)
		}
	}

	patch := map[string]any{
		"plugins": map[string]any{
			"entries": map[string]any{
				pluginKey: map[string]any{
					"config": branch,
				},
			},
		},
	}
	merged := DeepMerge(doc, patch)

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "openclaw-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// DeepMerge merges patch into base recursively. Object branches merge
// key by key; leaves (including arrays) replace wholly. Neither input
// is mutated.
func DeepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, exists := out[k]
		if exists {
			bm, bok := bv.(map[string]any)
			pm, pok := pv.(map[string]any)
			if bok && pok {
				out[k] = DeepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

// pluginBranch navigates plugins.entries.cluster-hub.config.
func pluginBranch(doc map[string]any) (map[string]any, bool) {
	for _, key := range []string{"plugins", "entries", pluginKey, "config"} {
		next, ok := doc[key].(map[string]any)
		if !ok {
			return nil, false
		}
		doc = next
	}
	return doc, true
}
