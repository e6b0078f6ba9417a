package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateInstanceID validates the instance ID for security
func validateInstanceID(instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(instanceID, "..") ||
		strings.Contains(instanceID, "/") ||
		strings.Contains(instanceID, "\\") ||
		strings.Contains(instanceID, " ") {
		return fmt.Errorf("instance ID contains invalid characters")
	}

	// Length check
	if len(instanceID) > 100 {
		return fmt.Errorf("instance ID too long (max 100 characters)")
	}

	return nil
}
