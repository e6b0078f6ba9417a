package securestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"tearleads.dev/keyhold/audit"
)

// Bucket names, one per credential type
var (
	wrappingKeyBucket = []byte(CredentialPrefix + "." + CredentialWrappingKey)
	wrappedKeyBucket  = []byte(CredentialPrefix + "." + CredentialWrappedKey)
)

// EmbeddedStore implements Provider on an on-device bbolt database. It has no
// biometric concept: availability always reports false and biometric-gated
// reads resolve to nil so callers fall back to password entry.
type EmbeddedStore struct {
	db    *bbolt.DB
	path  string
	audit audit.Logger
}

// NewEmbeddedStore opens (creating if necessary) the embedded credential
// database at path. auditLogger may be nil.
func NewEmbeddedStore(path string, auditLogger audit.Logger) (*EmbeddedStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}

	// Create buckets up front so reads never have to handle their absence
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{wrappingKeyBucket, wrappedKeyBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &EmbeddedStore{
		db:    db,
		path:  path,
		audit: auditLogger,
	}, nil
}

func (es *EmbeddedStore) Name() string {
	return "embedded"
}

func (es *EmbeddedStore) StoreWrappingKey(ctx context.Context, instanceID string, data []byte) error {
	return es.put(ctx, wrappingKeyBucket, instanceID, data)
}

func (es *EmbeddedStore) StoreWrappedKey(ctx context.Context, instanceID string, data []byte) error {
	return es.put(ctx, wrappedKeyBucket, instanceID, data)
}

func (es *EmbeddedStore) put(ctx context.Context, bucket []byte, instanceID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instanceID == "" {
		return fmt.Errorf("instance ID is required")
	}
	if len(data) == 0 {
		return fmt.Errorf("credential data cannot be empty")
	}

	return es.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.Put([]byte(instanceID), data)
	})
}

func (es *EmbeddedStore) RetrieveWrappingKey(ctx context.Context, instanceID string) ([]byte, error) {
	return es.get(ctx, wrappingKeyBucket, instanceID)
}

// RetrieveWrappedKey resolves to nil when opts.UseBiometric is set: this
// variant cannot perform a confirmation, and pretending otherwise would hand
// out the credential without the gate the caller asked for.
func (es *EmbeddedStore) RetrieveWrappedKey(ctx context.Context, instanceID string, opts RetrieveOptions) ([]byte, error) {
	if opts.UseBiometric {
		es.audit.Log("biometric_gate", false, map[string]interface{}{
			"instance_id": instanceID,
			"reason":      "embedded store has no biometric support",
		})
		return nil, nil
	}
	return es.get(ctx, wrappedKeyBucket, instanceID)
}

func (es *EmbeddedStore) get(ctx context.Context, bucket []byte, instanceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := es.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if value := b.Get([]byte(instanceID)); value != nil {
			data = make([]byte, len(value))
			copy(data, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return data, nil
}

func (es *EmbeddedStore) HasSession(ctx context.Context, instanceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var exists bool
	err := es.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(wrappedKeyBucket)
		if b == nil {
			return nil
		}
		exists = b.Get([]byte(instanceID)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return exists, nil
}

func (es *EmbeddedStore) ClearSession(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return es.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{wrappingKeyBucket, wrappedKeyBucket} {
			b := tx.Bucket(bucket)
			if b == nil {
				continue
			}
			// Delete on a missing key is a no-op in bbolt
			if err := b.Delete([]byte(instanceID)); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// BiometricAvailability always reports unavailable: the embedded store has no
// biometric concept.
func (es *EmbeddedStore) BiometricAvailability(ctx context.Context) Availability {
	return Availability{Available: false}
}

func (es *EmbeddedStore) Close() error {
	if es.db == nil {
		return nil
	}
	err := es.db.Close()
	es.db = nil
	if err != nil && !errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return err
	}
	return nil
}
