package devicetype

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDirParsesValidEntries(t *testing.T) {
	dir := t.TempDir()
	good := `{"type":"stroke-controller","name":"Stroker","description":"d","version":"1.2.0","features":["pattern","position"],"pricing":{"currency":"usd","amount":0}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stroke-controller.json"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	descs, errs := LoadDir(dir)
	require.Empty(t, errs)
	require.Contains(t, descs, "stroke-controller")
	require.Equal(t, "Stroker", descs["stroke-controller"].Name)
}

func TestLoadDirCollectsErrorsWithoutAborting(t *testing.T) {
	dir := t.TempDir()
	bad := `{"type":"x","name":"X","version":"not-semver","features":["a"]}`
	good := `{"type":"y","name":"Y","version":"1.0.0","features":["a"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.json"), []byte(bad), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "y.json"), []byte(good), 0o644))

	descs, errs := LoadDir(dir)
	require.Len(t, errs, 1)
	require.Contains(t, descs, "y")
	require.NotContains(t, descs, "x")
}
