// dynconfig.go: optional hot-reload of runtime tunables via a config file
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// The teacher declares github.com/agilira/argus as a direct dependency
// (go.mod) and gestures at a hot-reload example, but the retrieved
// snapshot has no call site anywhere in the pack to ground an exact API
// against. This file's use of argus.UniversalConfigWatcher is therefore
// a best-effort reconstruction of argus's published purpose (a
// zero-allocation config file watcher), not a grounded transcription —
// see DESIGN.md. The surface is deliberately narrow: three tunables,
// one callback.

package confluence

import (
	"fmt"
	"time"

	"github.com/agilira/argus"
)

// DynamicConfig watches a config file and applies MixThreshold,
// ClientThreshold and DrainTimeout changes to a running Coordinator
// without requiring a restart.
type DynamicConfig struct {
	coord   *Coordinator
	watcher *argus.UniversalConfigWatcher
}

// WatchConfig starts watching path for changes, applying recognized keys
// ("mix_threshold", "client_threshold", "drain_timeout_ms") to coord as
// they change. The returned DynamicConfig must be Stopped when no longer
// needed.
func WatchConfig(path string, coord *Coordinator) (*DynamicConfig, error) {
	dc := &DynamicConfig{coord: coord}

	watcher, err := argus.UniversalConfigWatcher(path, dc.apply)
	if err != nil {
		return nil, fmt.Errorf("confluence: argus watch %s: %w", path, err)
	}
	if err := watcher.Start(); err != nil {
		return nil, fmt.Errorf("confluence: argus start: %w", err)
	}
	dc.watcher = watcher
	return dc, nil
}

func (dc *DynamicConfig) apply(config map[string]interface{}) {
	dc.coord.mu.Lock()
	defer dc.coord.mu.Unlock()

	if v, ok := intField(config, "mix_threshold"); ok && v > 0 {
		dc.coord.cfg.MixThreshold = v
	}
	if v, ok := intField(config, "client_threshold"); ok && v > 0 {
		dc.coord.cfg.ClientThreshold = v
	}
	if v, ok := intField(config, "drain_timeout_ms"); ok && v > 0 {
		dc.coord.cfg.DrainTimeout = time.Duration(v) * time.Millisecond
	}
}

func intField(config map[string]interface{}, key string) (int, bool) {
	raw, ok := config[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Stop stops watching the config file. It is idempotent.
func (dc *DynamicConfig) Stop() error {
	if dc.watcher == nil {
		return nil
	}
	return dc.watcher.Stop()
}
