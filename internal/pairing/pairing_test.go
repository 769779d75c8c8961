package pairing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadSplitsIDAtEighthByte(t *testing.T) {
	dir := t.TempDir()
	id := "0123456789abcdef"
	path := filepath.Join(dir, "01234567-89abcdef.plist")
	require.NoError(t, os.WriteFile(path, []byte("<plist/>"), 0o644))

	s := NewStore(dir)
	got, err := s.Read(id)
	require.NoError(t, err)
	require.Equal(t, "<plist/>", string(got))
}

func TestReadNotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Read("0123456789abcdef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadRejectsShortID(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Read("short")
	require.Error(t, err)
}
