package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	derivationFile = "derivation.json"
	instanceConfig = "instance.json"
)

// FileSystemStore implements Store on the local filesystem, one directory per
// instance under a common base path.
type FileSystemStore struct {
	basePath string
}

// InstanceConfig marks a directory as belonging to this store and records
// bookkeeping timestamps.
type InstanceConfig struct {
	Version    string    `json:"version"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", basePath, err)
	}

	return &FileSystemStore{basePath: basePath}, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) instancePath(instanceID string) string {
	return filepath.Join(fs.basePath, instanceID)
}

func (fs *FileSystemStore) ensureInstanceDir(instanceID string) (string, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return "", fmt.Errorf("invalid instance ID: %w", err)
	}

	dir := fs.instancePath(instanceID)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create instance directory %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, instanceConfig)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := InstanceConfig{
			Version:    "1.0.0",
			InstanceID: instanceID,
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return "", err
		}

		if err = writeSecureFile(configPath, data, FilePermissions); err != nil {
			return "", err
		}
	}

	return dir, nil
}

// SaveDerivation writes the derivation record for an instance, overwriting
// any prior record. The write is atomic (temp file + rename).
func (fs *FileSystemStore) SaveDerivation(instanceID string, record *DerivationRecord) error {
	if record == nil {
		return fmt.Errorf("derivation record cannot be nil")
	}
	if len(record.Salt) == 0 {
		return fmt.Errorf("salt is required")
	}
	if len(record.Verifier) == 0 {
		return fmt.Errorf("verifier is required")
	}

	dir, err := fs.ensureInstanceDir(instanceID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal derivation record: %w", err)
	}

	return writeSecureFile(filepath.Join(dir, derivationFile), data, FilePermissions)
}

// LoadDerivation retrieves the derivation record for an instance
func (fs *FileSystemStore) LoadDerivation(instanceID string) (*DerivationRecord, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, fmt.Errorf("invalid instance ID: %w", err)
	}

	path := filepath.Join(fs.instancePath(instanceID), derivationFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load derivation record: %w", err)
	}

	var record DerivationRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse derivation record: %w", err)
	}

	return &record, nil
}

func (fs *FileSystemStore) DerivationExists(instanceID string) (bool, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return false, fmt.Errorf("invalid instance ID: %w", err)
	}
	return fileExists(filepath.Join(fs.instancePath(instanceID), derivationFile))
}

// DeleteDerivation removes the instance directory, derivation record and
// marker included; a missing record is not an error
func (fs *FileSystemStore) DeleteDerivation(instanceID string) error {
	if err := validateInstanceID(instanceID); err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	err := os.RemoveAll(fs.instancePath(instanceID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete derivation record: %w", err)
	}
	return nil
}

// ListInstances returns all instance IDs that have records in the base path
func (fs *FileSystemStore) ListInstances() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var instances []string
	for _, entry := range entries {
		if entry.IsDir() {
			recordPath := filepath.Join(fs.basePath, entry.Name(), derivationFile)
			if _, err := os.Stat(recordPath); err == nil {
				instances = append(instances, entry.Name())
			}
		}
	}

	sort.Strings(instances)
	return instances, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

// Helper functions

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
