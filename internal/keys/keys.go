// Package keys generates tunnel keypairs and manages the short-lived
// private key files handed to the ssh client.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

const keyBits = 2048

var (
	// ErrPermission is returned when a key file cannot be restricted to
	// owner-only access.
	ErrPermission = errors.New("cannot restrict key file permissions")

	// ErrIO is returned for any other failure writing a key file.
	ErrIO = errors.New("cannot write key file")
)

// chmod is swapped in tests
var chmod = (*os.File).Chmod

// GenerateKeypair returns a fresh RSA keypair. The private key is PKCS#8
// PEM, the public key a single authorized_keys line.
func GenerateKeypair() (private, public string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode public key: %w", err)
	}

	return string(privPEM), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), nil
}

// Materialize writes private key material to a new owner-only file in dir
// (os.TempDir when empty) and returns its path. On failure the file is
// removed before the error is returned.
func Materialize(dir, private string) (string, error) {
	f, err := os.CreateTemp(dir, "tunnel-*.key")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	path := f.Name()

	fail := func(kind error, cause error) (string, error) {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: %s: %v", kind, path, cause)
	}

	if err := chmod(f, 0600); err != nil {
		return fail(ErrPermission, err)
	}
	if _, err := f.WriteString(private); err != nil {
		return fail(ErrIO, err)
	}
	if !strings.HasSuffix(private, "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return fail(ErrIO, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}

	return path, nil
}

// Release removes a materialized key file. Errors are logged and dropped.
func Release(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("Failed to remove key file", "path", path, "error", err)
	}
}

// Seal prepares private key material for storage. Keys are stored as is.
func Seal(private string) string {
	return private
}

// Unseal reverses Seal.
func Unseal(sealed string) string {
	return sealed
}
