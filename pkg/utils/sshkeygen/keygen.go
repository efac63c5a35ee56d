package sshkeygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

var ErrKeyPermissions = errors.New("sshkeygen: private key is readable by others")

// KeyPair describes a key pair on disk.
type KeyPair struct {
	PrivatePath   string
	PublicPath    string
	AuthorizedKey string
	// Created is false when an existing pair was kept.
	Created bool
}

// GenerateEd25519KeyPair writes <dir>/<name> and <dir>/<name>.pub. An existing
// private key is left untouched unless overwrite is set.
func GenerateEd25519KeyPair(dir, name string, overwrite bool) (*KeyPair, error) {
	kp := &KeyPair{
		PrivatePath: filepath.Join(dir, name),
		PublicPath:  filepath.Join(dir, name+".pub"),
	}

	if _, err := os.Stat(kp.PrivatePath); err == nil && !overwrite {
		pub, err := os.ReadFile(kp.PublicPath)
		if err == nil {
			kp.AuthorizedKey = string(pub)
		}
		return kp, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(kp.PrivatePath, pem.EncodeToMemory(privKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPubKey)
	if err := os.WriteFile(kp.PublicPath, authorized, 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	kp.AuthorizedKey = string(authorized)
	kp.Created = true
	return kp, nil
}

// ReadPrivateKey loads a PEM private key for the head node connection and
// checks that it parses.
func ReadPrivateKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%w: %s", ErrKeyPermissions, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return "", fmt.Errorf("sshkeygen: parse %s: %w", path, err)
	}
	return string(data), nil
}
