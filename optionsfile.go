package kvdict

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OptionsFileName is the file a writable on-disk store records its options in.
const OptionsFileName = "OPTIONS.yaml"

// LoadOptionsFile reads options saved by SaveOptionsFile. Fields absent from
// the file keep their DefaultOptions values.
func LoadOptionsFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}
	opt := DefaultOptions()
	if err := yaml.Unmarshal(data, opt); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	return opt, nil
}

// SaveOptionsFile writes the serializable subset of opt to path.
func SaveOptionsFile(opt *Options, path string) error {
	data, err := yaml.Marshal(opt)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write options file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write options file: %w", err)
	}
	return nil
}

// LoadStoreOptions loads the options recorded in a store directory, or
// returns nil if there are none.
func LoadStoreOptions(dir string) (*Options, error) {
	path := filepath.Join(dir, OptionsFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return LoadOptionsFile(path)
}
