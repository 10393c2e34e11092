package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordFile is the parsed form of the "user:bcrypt-hash" fallback file
// from spec §6. Blank lines and full-line "#" comments are skipped, per
// original_source's loader (the distilled spec only documents the "#"
// comment rule explicitly).
type PasswordFile struct {
	hashes map[string]string
}

// LoadPasswordFile reads and parses path.
func LoadPasswordFile(path string) (*PasswordFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mqttbroker: open password file: %w", err)
	}
	defer f.Close()
	return ParsePasswordFile(f)
}

// ParsePasswordFile parses the password-file format from an arbitrary reader.
func ParsePasswordFile(r io.Reader) (*PasswordFile, error) {
	pf := &PasswordFile{hashes: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("mqttbroker: malformed password-file line: %q", line)
		}
		pf.hashes[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mqttbroker: read password file: %w", err)
	}
	return pf, nil
}

// Verify reports whether password matches the bcrypt hash on record for
// user. Returns false, not an error, for an unknown user.
func (pf *PasswordFile) Verify(user, password string) bool {
	hash, ok := pf.hashes[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
