package auth

import (
	"bytes"

	"golang.org/x/crypto/ssh"
)

// MatchAuthorizedKey reports whether key equals one of the user's
// authorized keys, comparing the SSH wire encoding (comments never make it
// into the encoding).
func MatchAuthorizedKey(authorized []ssh.PublicKey, key ssh.PublicKey) bool {
	if key == nil {
		return false
	}

	marshaled := key.Marshal()
	for _, k := range authorized {
		if bytes.Equal(k.Marshal(), marshaled) {
			return true
		}
	}
	return false
}
