//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On Windows, we could use VirtualLock but it has limitations.
	// Enclave protection still applies regardless.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	// Nothing to unlock
	return nil
}
