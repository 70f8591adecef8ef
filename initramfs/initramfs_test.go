package initramfs_test

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/set-io/vmm/initramfs"
)

func TestBuild(t *testing.T) {
	body := make([]byte, 200)
	for idx := range body {
		body[idx] = byte(idx)
	}

	testFS := fstest.MapFS{
		"init":        &fstest.MapFile{Data: body, Mode: 0o755},
		"etc":         &fstest.MapFile{Mode: fs.ModeDir | 0o755},
		"etc/version": &fstest.MapFile{Data: []byte("1\n"), Mode: 0o644},
	}

	img, err := initramfs.Build(testFS)
	require.NoError(t, err)

	entries := map[string]*cpio.Header{}
	contents := map[string][]byte{}

	r := cpio.NewReader(bytes.NewReader(img))
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)

		entries[hdr.Name] = hdr

		data, err := io.ReadAll(r)
		require.NoError(t, err)
		contents[hdr.Name] = data
	}

	require.Contains(t, entries, "init")
	require.Contains(t, entries, "etc")
	require.Contains(t, entries, "etc/version")

	assert.True(t, entries["etc"].Mode&cpio.TypeDir != 0, "etc is a directory")
	assert.EqualValues(t, len(body), entries["init"].Size)
	assert.Equal(t, body, contents["init"])
	assert.Equal(t, []byte("1\n"), contents["etc/version"])
}

func TestBuildEmpty(t *testing.T) {
	img, err := initramfs.Build(fstest.MapFS{})
	require.NoError(t, err)
	assert.NotEmpty(t, img, "archive trailer still written")
}
