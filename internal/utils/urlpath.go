package utils

import (
	"net/url"
	"path/filepath"
	"strings"
)

// LocalFilePath builds the on-disk destination for one manifest file,
// nesting it under its owning item. Archive file names occasionally carry
// their own subdirectory components (e.g. "subs/track.srt"); those survive
// as nested directories, but any ".." or absolute-path component is
// stripped first so a hostile manifest entry can't write outside outputRoot.
func LocalFilePath(outputRoot, item, remoteName string) string {
	clean := filepath.ToSlash(remoteName)
	parts := strings.Split(clean, "/")
	safe := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		safe = append(safe, p)
	}
	if len(safe) == 0 {
		safe = []string{"_"}
	}
	return filepath.Join(append([]string{outputRoot, item}, safe...)...)
}

// ExtractURLPath extracts the full path from a URL including the host
// Example: https://example.com/a/b/file.zip -> example.com/a/b
func ExtractURLPath(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	// Get the host (domain)
	host := parsed.Host
	
	// Get the path without the filename
	urlPath := parsed.Path
	
	// Remove leading slash
	urlPath = strings.TrimPrefix(urlPath, "/")
	
	// Get directory part (without filename)
	dir := filepath.Dir(urlPath)
	
	// If dir is ".", it means no subdirectories
	if dir == "." {
		return host, nil
	}
	
	// Combine host with directory path
	// Use filepath.Join to handle path separators correctly
	fullPath := filepath.Join(host, dir)
	
	return fullPath, nil
}
