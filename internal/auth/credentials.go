// Package auth parses the credentials file and attaches the archive's
// documented authorization header to outgoing requests.
package auth

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	keyAccess = "S3_ACCESS_KEY"
	keySecret = "S3_SECRET_KEY"
)

// Credentials holds the pair of keys the archive's S3-compatible endpoint
// expects in its Authorization header.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// ParseFile reads a key=value credentials file, recognizing S3_ACCESS_KEY
// and S3_SECRET_KEY; '#' lines and blank lines are ignored.
func ParseFile(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: open credentials file: %w", err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("auth: invalid line %d in %s: %q (expected key=value)", lineNum, path, line)
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("auth: empty key at line %d in %s", lineNum, path)
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auth: read %s: %w", path, err)
	}

	creds := &Credentials{
		AccessKey: values[keyAccess],
		SecretKey: values[keySecret],
	}
	if creds.AccessKey == "" && creds.SecretKey == "" {
		return nil, fmt.Errorf("auth: no %s or %s found in %s", keyAccess, keySecret, path)
	}
	return creds, nil
}

// Apply attaches the credentials to a request using the archive's documented
// LOW-format authorization header.
func (c *Credentials) Apply(req *http.Request) {
	if c == nil {
		return
	}
	req.Header.Set("Authorization", fmt.Sprintf("LOW %s:%s", c.AccessKey, c.SecretKey))
}
