package mem

// ProtectionLevel indicates how well the process can protect key material in memory
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Some protection measures applied
	ProtectionFull                           // Full memory protection (locked memory)
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "Full - memory locked, sensitive data cannot be swapped to disk"
	case ProtectionPartial:
		return "Partial - enclave protection only, memory may be swapped under pressure"
	default:
		return "None - sensitive data may be swapped to disk"
	}
}

// Lock attempts to prevent sensitive data from being swapped to disk
// Returns the protection level achieved and any error encountered
func Lock() (ProtectionLevel, error) {
	// Platform-specific implementation
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	// Platform-specific implementation
	return unlockMemoryPlatform()
}
