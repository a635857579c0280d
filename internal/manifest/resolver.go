// Package manifest fetches an item's remote file listing and applies the
// fixed filter pipeline that decides which files are worth a File row:
// anti-clutter, metadata-only, extension whitelist, then name regex, in
// that order.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/iavault/iavault/internal/auth"
	"github.com/iavault/iavault/internal/backoff"
	"github.com/iavault/iavault/internal/types"
	"github.com/iavault/iavault/internal/utils"
)

// antiClutter lists well-known incidental/system file names and suffixes
// the archive's manifest commonly carries alongside real content, dropped
// before any user-supplied filter runs.
var antiClutterSuffixes = []string{
	"_meta.xml",
	"_files.xml",
	"_reviews.xml",
	"_archive.torrent",
	"_itemimage.jpg",
	"__ia_thumb.jpg",
}

var antiClutterNames = map[string]bool{
	"thumbs.db": true,
	".ds_store": true,
}

// metadataWhitelist matches the suffixes retained under metadata-only mode.
var metadataWhitelist = []string{"_meta.xml", "_files.xml", ".xml", ".json"}

// rawManifest is the shape of the archive's metadata document: a "files"
// array of name/size/digest triples. The exact digest field name used
// ("md5" vs "sha1") varies per entry; both are checked.
type rawManifest struct {
	Files []rawFile `json:"files"`
}

type rawFile struct {
	Name string `json:"name"`
	Size string `json:"size"` // archive metadata APIs publish size as a string
	MD5  string `json:"md5"`
	SHA1 string `json:"sha1"`
}

// Resolver fetches and filters manifests for items.
type Resolver struct {
	client      *http.Client
	baseURL     string // e.g. "https://archive.org/metadata/"
	creds       *auth.Credentials
	backoff     *backoff.Coordinator
	maxAttempts int
}

// New constructs a Resolver. creds may be nil (unauthenticated requests).
func New(client *http.Client, baseURL string, creds *auth.Credentials, coordinator *backoff.Coordinator, maxAttempts int) *Resolver {
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}
	return &Resolver{
		client:      client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		creds:       creds,
		backoff:     coordinator,
		maxAttempts: maxAttempts,
	}
}

// Resolve fetches the manifest for one item and returns the filtered list of
// files to persist, applying filters in a fixed order.
func (r *Resolver) Resolve(ctx context.Context, identifier string, filters types.FilterConfig) ([]types.ManifestFile, error) {
	raw, err := r.fetchWithRetry(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var compiled *regexp.Regexp
	if filters.NameRegex != "" {
		compiled, err = regexp.Compile(filters.NameRegex)
		if err != nil {
			return nil, fmt.Errorf("manifest: invalid name regex %q: %w", filters.NameRegex, err)
		}
	}

	whitelist := make(map[string]bool, len(filters.ExtensionWhitelist))
	for _, ext := range filters.ExtensionWhitelist {
		whitelist[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	var out []types.ManifestFile
	for _, f := range raw.Files {
		if isAntiClutter(f.Name) {
			continue
		}
		if filters.MetadataOnly && !isMetadata(f.Name) {
			continue
		}
		if len(whitelist) > 0 && !whitelist[extOf(f.Name)] {
			continue
		}
		if compiled != nil && !compiled.MatchString(f.Name) {
			continue
		}

		mf := types.ManifestFile{Name: f.Name, Size: parseSize(f.Size)}
		switch {
		case f.SHA1 != "":
			mf.Digest, mf.DigestAlgo = f.SHA1, "sha1"
		case f.MD5 != "":
			mf.Digest, mf.DigestAlgo = f.MD5, "md5"
		}
		out = append(out, mf)
	}
	return out, nil
}

func (r *Resolver) fetchWithRetry(ctx context.Context, identifier string) (*rawManifest, error) {
	var lastErr error
	delay := types.RetryBaseDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if r.backoff != nil {
			if err := r.backoff.Wait(ctx); err != nil {
				return nil, err
			}
		}

		raw, kind, err := r.fetchOnce(ctx, identifier)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		switch kind {
		case types.ErrThrottled:
			if r.backoff != nil {
				r.backoff.Trip(backoff.ReasonThrottled)
			}
		case types.ErrOverloaded:
			if r.backoff != nil {
				r.backoff.Trip(backoff.ReasonOverloaded)
			}
		case types.ErrTransient:
			// fall through to backoff sleep below
		default:
			return nil, err
		}

		utils.Debug("manifest: attempt %d/%d for %s failed: %v", attempt, r.maxAttempts, identifier, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > types.RetryMaxDelay {
			delay = types.RetryMaxDelay
		}
	}
	return nil, fmt.Errorf("manifest: %s: exhausted %d attempts: %w", identifier, r.maxAttempts, lastErr)
}

func (r *Resolver) fetchOnce(ctx context.Context, identifier string) (*rawManifest, types.ErrorKind, error) {
	reqCtx, cancel := context.WithTimeout(ctx, types.ManifestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s", r.baseURL, identifier)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.ErrFatal, fmt.Errorf("manifest: build request: %w", err)
	}
	req.Header.Set("User-Agent", "iavault/1.0 (+bulk archive fetcher)")
	r.creds.Apply(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, types.ErrTransient, fmt.Errorf("manifest: request %s: %w", identifier, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		var out rawManifest
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, types.ErrTransient, fmt.Errorf("manifest: decode %s: %w", identifier, err)
		}
		return &out, types.ErrNone, nil
	case http.StatusTooManyRequests:
		return nil, types.ErrThrottled, fmt.Errorf("manifest: %s throttled", identifier)
	case http.StatusServiceUnavailable:
		return nil, types.ErrOverloaded, fmt.Errorf("manifest: %s overloaded", identifier)
	case http.StatusNotFound:
		return nil, types.ErrNotFound, fmt.Errorf("manifest: %s not found", identifier)
	default:
		if resp.StatusCode >= 500 {
			return nil, types.ErrTransient, fmt.Errorf("manifest: %s status %d", identifier, resp.StatusCode)
		}
		return nil, types.ErrFatal, fmt.Errorf("manifest: %s unexpected status %d", identifier, resp.StatusCode)
	}
}

func isAntiClutter(name string) bool {
	lower := strings.ToLower(name)
	if antiClutterNames[lower] {
		return true
	}
	for _, suffix := range antiClutterSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func isMetadata(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range metadataWhitelist {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func extOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx == -1 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

func parseSize(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
