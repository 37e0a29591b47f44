package tracefile

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")

	w, err := Create(path)
	require.NoError(t, err)
	want := []Entry{
		{Addr: 0x1000, IsWrite: false},
		{Addr: 0x2000, IsWrite: true},
		{Addr: 0x3000, IsWrite: false},
	}
	for _, e := range want {
		require.NoError(t, w.Record(e.Addr, e.IsWrite))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	for i, wantEntry := range want {
		got, err := r.Next()
		require.NoError(t, err, "Next() at entry %d", i)
		assert.Equal(t, wantEntry, got, "entry %d", i)
	}
	// The rest of the block is zero-padded, not a short read.
	for i := len(want); i < blockSize; i++ {
		_, err := r.Next()
		require.NoError(t, err, "padded entry %d", i)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, err, "Next() past the last block")
}

func TestHeaderIsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	header := make([]byte, 4)
	_, err = io.ReadFull(f, header)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, header)
}
