package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func writeFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    Algorithm
		wantErr bool
	}{
		{name: "prefixed sha256", raw: "sha256:" + helloSHA256, want: SHA256},
		{name: "upper prefix", raw: "SHA256:" + helloSHA256, want: SHA256},
		{name: "bare sha256", raw: helloSHA256, want: SHA256},
		{name: "bare md5", raw: "5d41402abc4b2a76b9719d911017c592", want: MD5},
		{name: "bare sha1", raw: "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", want: SHA1},
		{name: "empty", raw: "", wantErr: true},
		{name: "not hex", raw: "sha256:zz", wantErr: true},
		{name: "wrong length", raw: "abcd", wantErr: true},
		{name: "algo length mismatch", raw: "md5:" + helloSHA256, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, got.Algorithm)
		})
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "hello")

	require.NoError(t, Verify(path, "sha256:"+helloSHA256))
	require.NoError(t, Verify(path, "5d41402abc4b2a76b9719d911017c592"))

	err := Verify(path, "sha256:"+helloSHA256[:63]+"0")
	require.ErrorIs(t, err, ErrMismatch)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "sha256:"+helloSHA256, mismatch.Actual)

	require.Error(t, Verify(filepath.Join(t.TempDir(), "missing"), helloSHA256))
}

func TestFileSHA256(t *testing.T) {
	t.Parallel()

	sum, err := FileSHA256(writeFile(t, "hello"))
	require.NoError(t, err)
	require.Equal(t, "sha256:"+helloSHA256, sum)
	require.True(t, Equal(sum, helloSHA256))
	require.False(t, Equal(sum, "5d41402abc4b2a76b9719d911017c592"))
}
