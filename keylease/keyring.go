package keylease

import (
	"fmt"
	"os"
	"strings"
)

// normalizeKeyringLine extracts a credential from one keyring line.
// Returns "" for blank lines and comments. `KEY=value` shell-export style
// lines are tolerated: everything after the first '=' is the credential.
func normalizeKeyringLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if i := strings.Index(line, "="); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

// LoadKeyring reads the keyring text file: one credential per line, with
// `#` comments and `KEY=value` forms tolerated. A missing file is an empty
// keyring, not an error. Order is preserved, duplicates are kept (the
// caller dedups across all sources).
func LoadKeyring(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		if key := normalizeKeyringLine(line); key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// PurgeKey removes the first line whose normalized credential equals key,
// using the exact same normalization applied at load time, and writes the
// file back atomically. Comment and blank lines are preserved untouched.
// Returns true when a line was removed.
func PurgeKey(path, key string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read keyring: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	out := make([]string, 0, len(lines))
	removed := false
	for _, line := range lines {
		if !removed && normalizeKeyringLine(line) == key {
			removed = true
			continue
		}
		out = append(out, line)
	}

	if !removed {
		return false, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(out, "\n")), 0o600); err != nil {
		return false, fmt.Errorf("write keyring: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("replace keyring: %w", err)
	}
	return true, nil
}
