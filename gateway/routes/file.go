package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is the on-disk routes document: {"routes": [...]}.
type File struct {
	Routes []Rule `json:"routes"`
}

// LoadFile reads and structurally validates a routes file. Backend
// admission (SSRF resolution, upstream-402 probe) is a separate pass;
// run CheckRules on the result before serving any of these routes.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var doc File
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Routes))
	for i := range doc.Routes {
		doc.Routes[i].normalize()
		if err := doc.Routes[i].Validate(); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if _, dup := seen[doc.Routes[i].ToolID]; dup {
			return nil, fmt.Errorf("routes[%d]: duplicate tool_id %q", i, doc.Routes[i].ToolID)
		}
		seen[doc.Routes[i].ToolID] = struct{}{}
	}
	return doc.Routes, nil
}

// CheckRules runs backend admission over a batch of rules: SSRF
// resolution unless the rule opts out, then the upstream-402 probe.
// The first violation aborts the batch so a bad routes file never
// partially serves.
func CheckRules(ctx context.Context, rules []Rule, prober *Prober) error {
	for _, rule := range rules {
		if !rule.SkipSSRF {
			if err := CheckBackendURL(ctx, rule.Provider.BackendURL, nil); err != nil {
				return fmt.Errorf("route %s: %w", rule.ToolID, err)
			}
		}
		if err := prober.Check(ctx, rule.Provider.BackendURL); err != nil {
			return fmt.Errorf("route %s: %w", rule.ToolID, err)
		}
	}
	return nil
}

// PersistFile atomically rewrites the routes file with the current
// table contents (temp file then rename).
func PersistFile(path string, rules []Rule) error {
	raw, err := json.MarshalIndent(File{Routes: rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routes file: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".routes-*.json")
	if err != nil {
		return fmt.Errorf("create temp routes file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp routes file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp routes file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace routes file: %w", err)
	}
	return nil
}
