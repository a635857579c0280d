package fetch

import (
	"path/filepath"

	"github.com/h2non/filetype"

	"github.com/iavault/iavault/internal/utils"
)

// logSniffedType is the finalize-time fallback for the rare archive file
// published with no extension, so the debug log still carries a type guess
// even though the manifest gave no MIME hint to classify it by.
func logSniffedType(remoteName, path string) {
	if filepath.Ext(remoteName) != "" {
		return
	}
	kind, err := filetype.MatchFile(path)
	if err != nil || kind == filetype.Unknown {
		return
	}
	utils.Debug("fetch: sniffed content type for extensionless file %s: %s", remoteName, kind.MIME.Value)
}
