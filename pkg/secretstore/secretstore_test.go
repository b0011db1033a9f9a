package secretstore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)

	k, err := ParseKey(hexKey)
	require.NoError(t, err)
	require.Len(t, k, 32)

	k, err = ParseKey("0x" + hexKey)
	require.NoError(t, err)
	require.Len(t, k, 32)

	k, err = ParseKey(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	require.Len(t, k, 32)

	k, err = ParseKey("  ")
	require.NoError(t, err)
	require.Nil(t, k)

	_, err = ParseKey("abcd")
	require.Error(t, err)

	_, err = ParseKey("not a key!")
	require.Error(t, err)
}

func TestEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := ParseKey(strings.Repeat("01", 32))
	require.NoError(t, err)

	s, err := Open(OpenOptions{Path: dir, EncryptionKey: key})
	require.NoError(t, err)

	require.NoError(t, s.SetString(EnvPrefix+"BOTHOST_ADMINS", "root,ops"))
	require.NoError(t, s.SetString(EnvPrefix+"BOTHOST_EMPTY", ""))
	require.NoError(t, s.SetString("other", "x"))

	v, ok, err := s.GetString(EnvPrefix + "BOTHOST_ADMINS")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "root,ops", v)

	v, ok, err = s.GetString(EnvPrefix + "BOTHOST_EMPTY")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)

	_, ok, err = s.GetString("missing")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := s.Keys(EnvPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{"env/BOTHOST_ADMINS", "env/BOTHOST_EMPTY"}, keys)

	require.NoError(t, s.Delete(EnvPrefix+"BOTHOST_EMPTY"))
	require.NoError(t, s.Close())

	s, err = Open(OpenOptions{Path: dir, EncryptionKey: key, ReadOnly: false})
	require.NoError(t, err)
	defer s.Close()
	_, ok, err = s.GetString(EnvPrefix + "BOTHOST_EMPTY")
	require.NoError(t, err)
	require.False(t, ok)
	v, _, err = s.GetString(EnvPrefix + "BOTHOST_ADMINS")
	require.NoError(t, err)
	require.Equal(t, "root,ops", v)

	_, _, err = s.GetString(" ")
	require.Error(t, err)
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, _, err := s.GetString("a")
	require.Error(t, err)
	require.NoError(t, s.Close())
}
