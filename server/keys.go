package server

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/jnnycn007/moauth/storage"
)

// The state file holds one directive per line; only the signing key is
// persisted across restarts.
const stateKeyDirective = "PrivateKey"

// ensureKeys loads the persisted RS256 signing key from the state file, or
// generates and persists one on first start, and installs the pair in
// storage. Keys never rotate.
func (s *Server) ensureKeys(stateFile string) error {
	key, err := loadStateKey(stateFile)
	if err != nil {
		return err
	}
	if key == nil {
		s.logger.Infof("generating signing key, persisting to %s", stateFile)
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		b := make([]byte, 20)
		if _, err := io.ReadFull(rand.Reader, b); err != nil {
			panic(err)
		}
		key = &jose.JSONWebKey{
			Key:       rsaKey,
			KeyID:     hex.EncodeToString(b),
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}
		if err := saveStateKey(stateFile, key); err != nil {
			return err
		}
	}

	pub := key.Public()
	return s.storage.UpdateKeys(func(storage.Keys) (storage.Keys, error) {
		return storage.Keys{SigningKey: key, SigningKeyPub: &pub}, nil
	})
}

// loadStateKey returns the key from the state file, or nil when the file does
// not exist or carries no PrivateKey directive.
func loadStateKey(stateFile string) (*jose.JSONWebKey, error) {
	f, err := os.Open(stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keyword, value, _ := strings.Cut(line, " ")
		if !strings.EqualFold(keyword, stateKeyDirective) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("decode persisted key: %w", err)
		}
		var key jose.JSONWebKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return nil, fmt.Errorf("parse persisted key: %w", err)
		}
		if !key.Valid() {
			return nil, fmt.Errorf("persisted key in %s is invalid", stateFile)
		}
		return &key, nil
	}
	return nil, scanner.Err()
}

// saveStateKey writes the state file atomically: temp file in the same
// directory, fsync, rename. Mode 0600, the file holds a private key.
func saveStateKey(stateFile string, key *jose.JSONWebKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}

	dir := filepath.Dir(stateFile)
	tmp, err := os.CreateTemp(dir, ".moauthd-state-*")
	if err != nil {
		return fmt.Errorf("create state temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state file: %w", err)
	}
	line := fmt.Sprintf("%s %s\n", stateKeyDirective, base64.StdEncoding.EncodeToString(raw))
	if _, err := tmp.WriteString(line); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), stateFile); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
