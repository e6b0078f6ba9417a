package misc

const (
	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// SaltSize is the length of the random derivation salt in bytes
	SaltSize = 32

	// DataKeySize is the length of the database encryption key in bytes
	DataKeySize = 32

	// WrappingKeySize is the length of the session wrapping key in bytes
	WrappingKeySize = 32

	// VerifierSize is the length of the truncated key confirmation value in bytes
	VerifierSize = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute
)
