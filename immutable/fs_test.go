package immutable

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestOSFSOpenModes(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	assert.NilError(t, err)

	_, err = fs.Open("missing.epoch", ReadOnly)
	assert.Assert(t, is.ErrorIs(err, ErrFileNotFound))

	f, err := fs.Open("00000000.epoch", MustBeNew)
	assert.NilError(t, err)
	_, err = f.Write([]byte("abcdef"))
	assert.NilError(t, err)
	assert.NilError(t, f.Sync())
	assert.NilError(t, f.Close())

	_, err = fs.Open("00000000.epoch", MustBeNew)
	assert.Assert(t, is.ErrorIs(err, ErrFileExists))

	// append mode really appends
	f, err = fs.Open("00000000.epoch", AppendExisting)
	assert.NilError(t, err)
	_, err = f.Write([]byte("gh"))
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	size, err := fs.Size("00000000.epoch")
	assert.NilError(t, err)
	assert.Equal(t, int64(8), size)
}

func TestOSFSReadAtAndTruncate(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	assert.NilError(t, err)

	f, err := fs.Open("00000001.secondary", MustBeNew)
	assert.NilError(t, err)
	_, err = f.Write([]byte("0123456789"))
	assert.NilError(t, err)

	buf := make([]byte, 4)
	assert.NilError(t, readExactlyAt(f, buf, 3))
	assert.Equal(t, "3456", string(buf))

	// reading past the end is a short read, not a silent success
	err = readExactlyAt(f, make([]byte, 4), 8)
	assert.Assert(t, is.ErrorIs(err, ErrShortRead))
	assert.NilError(t, f.Close())

	assert.NilError(t, fs.Truncate("00000001.secondary", 5))
	size, err := fs.Size("00000001.secondary")
	assert.NilError(t, err)
	assert.Equal(t, int64(5), size)

	ok, err := fs.Exists("00000001.secondary")
	assert.NilError(t, err)
	assert.Assert(t, ok)

	assert.NilError(t, fs.Remove("00000001.secondary"))
	ok, err = fs.Exists("00000001.secondary")
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	names, err := fs.List()
	assert.NilError(t, err)
	assert.Assert(t, is.Len(names, 0))
}
