package network

// Cipher is the transport-encryption plug point. The handshake negotiates
// the supports_encryption/request_encryption capability flags; when both
// sides agree and a Cipher is configured, chunk payloads pass through it.
// No implementation ships with this module.
type Cipher interface {
	// Seal encrypts a chunk payload before framing.
	Seal(plaintext []byte) ([]byte, error)
	// Open decrypts a chunk payload after checksum verification.
	Open(ciphertext []byte) ([]byte, error)
}
