// keyfile.go - Sealed participant key files
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/sealed"
)

// passwordEnv names the variable consulted when no password file is given
const passwordEnv = "CEREMONY_KEY_PASSWORD"

type keyFile struct {
	ID         string `cbor:"id"`
	Scheme     string `cbor:"scheme"`
	PrivateKey []byte `cbor:"private_key"`
}

func readPassword(path string) ([]byte, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		return []byte(strings.TrimRight(string(b), "\r\n")), nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return []byte(pw), nil
	}
	return nil, errors.New("no password: set " + passwordEnv + " or --password-file")
}

// saveKey seals the signer for id under password
func saveKey(path, id string, signer ceremony.Signer, password []byte, p sealed.Params) error {
	plain, err := cbor.Marshal(keyFile{ID: id, Scheme: string(signer.Scheme()), PrivateKey: signer.PrivateKey()})
	if err != nil {
		return err
	}
	blob, err := sealed.SealWithParams(plain, password, p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

// loadKey opens a sealed key file
func loadKey(path string, password []byte) (string, ceremony.Signer, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	plain, err := sealed.Open(blob, password)
	if err != nil {
		return "", nil, fmt.Errorf("open %s: %w", path, err)
	}
	var kf keyFile
	if err := cbor.Unmarshal(plain, &kf); err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", path, err)
	}
	scheme, err := ceremony.ParseScheme(kf.Scheme)
	if err != nil {
		return "", nil, err
	}
	signer, err := ceremony.SignerFromPrivateKey(scheme, kf.PrivateKey)
	if err != nil {
		return "", nil, err
	}
	return kf.ID, signer, nil
}
