package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// WipeKeyPair erases the private scalar in kp once the pair leaves use.
// Persisted sessions and handshake ephemerals both end here; the public
// half is not secret and stays intact.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return wipe(kp.Private)
}

// wipe overwrites data with zeros. The ConstantTimeCompare call keeps the
// compiler from proving the buffer dead and eliding the overwrite.
func wipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
	return nil
}
