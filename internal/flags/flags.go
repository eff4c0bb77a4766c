// Package flags reads and writes the persisted feature-flag file shared with
// the external rollout controller. The core only consults the emergency
// rollback bit; everything else is pass-through state.
package flags

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Known flag names.
const (
	ElicitationEnabled        = "elicitation_enabled"
	SecurityEnhanced          = "elicitation_security_enhanced"
	WaitForMessagesDeprecated = "wait_for_messages_deprecated"
	PerformanceMonitoring     = "elicitation_performance_monitoring"
	ABTest                    = "elicitation_ab_test"
)

// Flag is one rollout-controlled switch.
type Flag struct {
	Status            string    `json:"status"`
	RolloutPercentage float64   `json:"rollout_percentage"`
	UpdatedAt         time.Time `json:"updated_at"`
	EmergencyRollback bool      `json:"emergency_rollback"`
}

// File is the persisted flag set.
type File struct {
	mu    sync.RWMutex
	path  string
	flags map[string]Flag
}

// Load reads the flag file; a missing file yields an empty, permissive set.
func Load(path string) (*File, error) {
	f := &File{path: path, flags: make(map[string]Flag)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &f.flags); err != nil {
		return nil, err
	}
	return f, nil
}

// Get returns a flag and whether it is present.
func (f *File) Get(name string) (Flag, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	flag, ok := f.flags[name]
	return flag, ok
}

// EmergencyRollback reports whether any elicitation flag demands refusal of
// new elicitations.
func (f *File) EmergencyRollback() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, name := range []string{ElicitationEnabled, SecurityEnhanced} {
		if flag, ok := f.flags[name]; ok && flag.EmergencyRollback {
			return true
		}
	}
	return false
}

// Set updates one flag and persists atomically (write temp, rename).
func (f *File) Set(name string, flag Flag) error {
	flag.UpdatedAt = time.Now().UTC()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[name] = flag
	return f.persistLocked()
}

// All returns a copy of the current flag set.
func (f *File) All() map[string]Flag {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Flag, len(f.flags))
	for k, v := range f.flags {
		out[k] = v
	}
	return out
}

// Reload re-reads the file, picking up external controller writes.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	flags := make(map[string]Flag)
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	f.mu.Lock()
	f.flags = flags
	f.mu.Unlock()
	return nil
}

func (f *File) persistLocked() error {
	data, err := json.MarshalIndent(f.flags, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
