// Package store holds the durable node state under <data>/hub-data:
// sent tasks, received tasks, per-peer chat logs, and the node event
// ring. Every mutation schedules a debounced save; shutdown flushes
// synchronously. Loads are best-effort — a missing or corrupt file
// yields an empty store. Disk errors are swallowed here by design: the
// stores have no logger and the next debounced save retries.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const saveDebounce = 1 * time.Second

// saver coalesces mutations into one debounced write. flush cancels
// the pending timer and writes synchronously.
type saver struct {
	mu    sync.Mutex
	timer *time.Timer
	write func()
}

func (s *saver) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(saveDebounce, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.write()
	})
}

func (s *saver) flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.write()
}

// writeJSON writes v atomically: temp file in the same directory, then
// rename. Readers never observe partial state.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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

// readJSON loads path into v. Any failure leaves v untouched and
// reports false.
func readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
