package config

import (
	"fmt"
	"maps"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileSettings serves settings from a YAML file. Nested mappings are
// flattened into dotted keys, so
//
//	txmanager:
//	  retry_attempts: 5
//
// is read as "txmanager.retry_attempts".
type FileSettings struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// LoadFile reads and parses a YAML settings file
func LoadFile(path string) (*FileSettings, error) {
	f := &FileSettings{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file the settings were loaded from
func (f *FileSettings) Path() string {
	return f.path
}

// Reload re-reads the file, keeping the previous values on error
func (f *FileSettings) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", f.path, err)
	}

	values := make(map[string]string)
	flatten("", raw, values)

	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

// GetSetting implements SettingsGetter. Missing keys yield "".
func (f *FileSettings) GetSetting(key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values[key], nil
}

// All returns a copy of every flattened setting
func (f *FileSettings) All() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.values)
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flatten(full, v, out)
		case nil:
		default:
			out[full] = fmt.Sprint(v)
		}
	}
}

// Chain consults each getter in order and returns the first non-empty value.
type Chain []SettingsGetter

// GetSetting implements SettingsGetter
func (c Chain) GetSetting(key string) (string, error) {
	for _, getter := range c {
		if getter == nil {
			continue
		}
		val, err := getter.GetSetting(key)
		if err != nil {
			return "", err
		}
		if val != "" {
			return val, nil
		}
	}
	return "", nil
}
