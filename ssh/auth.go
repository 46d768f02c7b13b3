package ssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gossh "golang.org/x/crypto/ssh"
)

// passwordCallback returns a password check against the configured
// password, or nil when none is set.
func passwordCallback(password string) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	if password == "" {
		return nil
	}
	return func(meta gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
		if subtle.ConstantTimeCompare(pass, []byte(password)) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("password rejected for %s", meta.User())
	}
}

// publicKeyCallback returns a key check against an authorized_keys file or
// directory, or nil when no usable keys are found.
func publicKeyCallback(authorizedKeysPath string) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	if authorizedKeysPath == "" {
		return nil
	}

	keys, err := loadAuthorizedKeys(authorizedKeysPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load authorized keys from %s: %v\n", authorizedKeysPath, err)
		return nil
	}
	if len(keys) == 0 {
		fmt.Fprintf(os.Stderr, "Warning: No authorized keys found in %s\n", authorizedKeysPath)
		return nil
	}

	return func(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		wire := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(wire, k.Marshal()) {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("unknown public key for %s", meta.User())
	}
}

// loadAuthorizedKeys loads public keys from an authorized_keys file or
// from every non-hidden file in a directory.
func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadAuthorizedKeysFromFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(path, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

func loadAuthorizedKeysFromFile(path string) ([]gossh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []gossh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// LoadOrCreateHostKey returns the host key stored at path, generating and
// saving a new ED25519 key when the file does not exist.
func LoadOrCreateHostKey(path string) (gossh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(privateKey, "rcmon host key")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	return gossh.NewSignerFromKey(privateKey)
}
