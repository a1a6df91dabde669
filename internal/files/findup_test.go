package files

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "target.yaml"), nil, 0o644))

	found, err := FindUp("target.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "target.yaml"), found)

	found, err = FindUp("target.yaml", filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "target.yaml"), found)

	_, err = FindUp("missing-7f3c1a.yaml", nested)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
