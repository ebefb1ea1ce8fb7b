package crypto

import (
	"errors"
	"runtime"
)

// ZeroBytes erases the contents of a byte slice containing sensitive data.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	// keep the slice reachable until the stores above are done
	runtime.KeepAlive(data)
}

// WipeKeyPair erases the private key in a KeyPair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	ZeroBytes(kp.Private[:])
	return nil
}
