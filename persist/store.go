package persist

import (
	"fmt"
	"time"
)

// DerivationRecord holds everything needed to re-derive and confirm a data
// key for one instance: the random salt, the key derivation parameters in
// force when the record was written, and the key confirmation value. None of
// these are secret on their own; the record is what "set up" means for an
// instance.
type DerivationRecord struct {
	// Salt is the random derivation salt generated at setup time.
	Salt []byte `json:"salt"`

	// Verifier is the key confirmation value computed from the data key.
	// A candidate key that fails verification against it is wrong.
	Verifier []byte `json:"verifier"`

	// Params pins the derivation parameters so the same password keeps
	// deriving the same key after library defaults change.
	Params DerivationParams `json:"params"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DerivationParams are the Argon2id work-factor parameters.
type DerivationParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	KeyLen  uint32 `json:"key_len"`
}

// Store defines the interface for persisting per-instance derivation
// material. All data passed to this interface is non-secret (salt, verifier,
// parameters); the data key itself never reaches this layer.
type Store interface {

	// SaveDerivation writes the derivation record for an instance,
	// overwriting any prior record.
	SaveDerivation(instanceID string, record *DerivationRecord) error

	// LoadDerivation retrieves the derivation record for an instance.
	// Returns an error satisfying os.IsNotExist semantics when no record
	// exists.
	LoadDerivation(instanceID string) (*DerivationRecord, error)

	// DerivationExists checks whether an instance has a derivation record.
	DerivationExists(instanceID string) (bool, error)

	// DeleteDerivation removes the derivation record for an instance.
	// Deleting a missing record is not an error.
	DeleteDerivation(instanceID string) error

	// ListInstances retrieves the instance IDs that currently have
	// derivation records in this store.
	ListInstances() ([]string, error)

	// Ping tests the availability of the backing storage.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen
	// storage backend, e.g. "base_path" for the filesystem store.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem indicates that the file system should be used for storage.
	StoreTypeFileSystem StoreType = "filesystem"
)

// NotFoundError indicates a derivation record that does not exist.
type NotFoundError struct {
	InstanceID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no derivation record for instance %s", e.InstanceID)
}

func (e NotFoundError) IsNotFound() bool {
	return true
}
