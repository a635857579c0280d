package inputlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadPlainTextSkipsBlankAndCommentLines(t *testing.T) {
	path := writeList(t, "item-a\n# a comment\n\nitem-b\n")
	ids, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, []string{"item-a", "item-b"}, ids)
}

func TestReadDelimitedExtractsIdentifierColumn(t *testing.T) {
	path := writeList(t, "identifier,notes\nitem-a,first\nitem-b,second\n")
	ids, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, []string{"item-a", "item-b"}, ids)
}

func TestReadDelimitedIsCaseInsensitiveOnHeader(t *testing.T) {
	path := writeList(t, "Identifier,Notes\nitem-a,x\n")
	ids, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, []string{"item-a"}, ids)
}

func TestReadDelimitedMissingIdentifierColumnErrors(t *testing.T) {
	path := writeList(t, "name,notes\na,b\n")
	_, err := Read(path)
	require.Error(t, err)
}

func TestReadDelimitedSkipsBlankIdentifierValues(t *testing.T) {
	path := writeList(t, "identifier,notes\nitem-a,x\n,skip-me\nitem-b,y\n")
	ids, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, []string{"item-a", "item-b"}, ids)
}
