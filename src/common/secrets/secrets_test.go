package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlainText(t *testing.T) {
	cases := map[string]string{
		"my-secret-key":          "my-secret-key",
		"":                       "",
		"   ":                    "",
		"  secret-with-spaces  ": "secret-with-spaces",
	}
	for input, want := range cases {
		got, err := Resolve(input)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", input)
	}
}

func TestResolveFromEnv(t *testing.T) {
	t.Setenv("TEST_SECRET_VAR", "super-secret-value-from-env")

	got, err := Resolve("env:TEST_SECRET_VAR")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value-from-env", got)
}

func TestResolveFromEnvMissing(t *testing.T) {
	got, err := Resolve("env:NONEXISTENT_SECRET_VAR")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveFromFile(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secretFile, []byte("  \n  file-based-secret  \n  "), 0o600))

	got, err := Resolve("file:" + secretFile)
	require.NoError(t, err)
	assert.Equal(t, "file-based-secret", got, "file content is trimmed")
}

func TestResolveFileRequiresAbsolutePath(t *testing.T) {
	_, err := Resolve("file:relative/path/secret.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}

func TestResolveFromFileMissing(t *testing.T) {
	_, err := Resolve("file:/tmp/nonexistent-secret-file-12345.txt")
	assert.Error(t, err)
}
