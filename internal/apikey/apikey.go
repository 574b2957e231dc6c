// Package apikey implements the local API-key authority.
//
// A single bearer key authenticates clients of the proxy. It is generated on
// first startup, persisted to a KEY=VALUE file with owner-only permissions,
// and compared in constant time on every non-health request.
package apikey

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	// Prefix tags generated keys so they are recognizable in configs and logs.
	Prefix = "sk-aicore-"

	// randomBytes of entropy, URL-safe base64 without padding → 43 characters.
	randomBytes = 32

	// KeyLength is the fixed total length of a valid key.
	KeyLength = len(Prefix) + 43

	fileKeyName = "API_KEY"
)

// Authority loads or generates the local key. Immutable after Init.
type Authority struct {
	path string

	initOnce sync.Once
	initErr  error
	key      string
}

// New creates an Authority persisting to path. Call Init before Validate.
func New(path string) *Authority {
	return &Authority{path: path}
}

// Init loads the key from the file, generating and persisting a fresh one
// when the file is absent. Safe to call multiple times; only the first call
// does work.
func (a *Authority) Init() error {
	a.initOnce.Do(func() {
		a.initErr = a.init()
	})
	return a.initErr
}

func (a *Authority) init() error {
	key, err := readKeyFile(a.path)
	if err != nil {
		return err
	}
	if key != "" {
		if len(key) != KeyLength || !strings.HasPrefix(key, Prefix) {
			return fmt.Errorf("apikey: %s holds a malformed key; delete the file to regenerate", a.path)
		}
		a.key = key
		return nil
	}

	key, err = generate()
	if err != nil {
		return err
	}
	if err := writeKeyFile(a.path, key); err != nil {
		return err
	}
	a.key = key
	return nil
}

// Validate reports whether provided matches the local key. The comparison is
// constant-time in the key length; a length mismatch returns false without
// inspecting content.
func (a *Authority) Validate(provided string) bool {
	if a.key == "" || len(provided) != len(a.key) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.key), []byte(provided)) == 1
}

// Masked returns the key with all but the prefix and last four characters
// replaced, for logs and startup banners.
func (a *Authority) Masked() string {
	if len(a.key) < len(Prefix)+4 {
		return "(uninitialized)"
	}
	return Prefix + "…" + a.key[len(a.key)-4:]
}

// Key returns the raw key. Only the startup banner should need this.
func (a *Authority) Key() string { return a.key }

func generate() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("apikey: entropy: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// readKeyFile parses the KEY=VALUE file and returns the API_KEY value, or ""
// when the file does not exist.
func readKeyFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("apikey: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(name) != fileKeyName {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("apikey: read %s: %w", path, err)
	}
	return "", nil
}

// writeKeyFile persists the key with owner-only permissions. The mode is set
// explicitly after writing in case the process umask widened it.
func writeKeyFile(path, key string) error {
	content := fmt.Sprintf("%s=%q\n", fileKeyName, key)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("apikey: write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("apikey: chmod %s: %w", path, err)
	}
	return nil
}
