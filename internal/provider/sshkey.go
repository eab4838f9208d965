package provider

import (
	"golang.org/x/crypto/ssh"
)

// ParsePublicKey validates an OpenSSH authorized-keys formatted public
// key and returns its SHA256 fingerprint. Adapters run this before
// handing key material to a vendor, so malformed keys fail locally
// with invalid-input instead of a vendor-specific 4xx.
func ParsePublicKey(providerID, publicKey string) (fingerprint string, err error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", newError(providerID, "AddSSHKey", ErrorInvalidInput, "malformed public key", err)
	}
	return ssh.FingerprintSHA256(key), nil
}
