package covmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(t.TempDir(), 100)
	require.Error(t, err)
}

func TestIncrementAndWrap(t *testing.T) {
	m, err := New(t.TempDir(), 256)
	require.NoError(t, err)
	defer m.Close()
	// New stamps an i%256 pattern; start from an all-zero map.
	m.Reset()

	for i := 0; i < 255; i++ {
		_, err := m.Increment(10)
		require.NoError(t, err)
	}
	v, err := m.Get(10)
	require.NoError(t, err)
	require.Equal(t, byte(255), v)

	// One more increment wraps around to zero.
	v, err = m.Increment(10)
	require.NoError(t, err)
	require.Equal(t, byte(0), v)
}

func TestOutOfRange(t *testing.T) {
	m, err := New(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Get(64)
	require.True(t, errors.Is(err, ErrOutOfRange))

	_, err = m.Increment(-1)
	require.True(t, errors.Is(err, ErrOutOfRange))
}

func TestSetOnce(t *testing.T) {
	m, err := New(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()
	// New stamps an i%256 pattern; start from an all-zero map.
	m.Reset()

	first, err := m.SetOnce(3)
	require.NoError(t, err)
	require.True(t, first)

	second, err := m.SetOnce(3)
	require.NoError(t, err)
	require.False(t, second)
}

func TestResetZeroesMap(t *testing.T) {
	m, err := New(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Increment(5)
	require.NoError(t, err)
	m.Reset()
	v, err := m.Get(5)
	require.NoError(t, err)
	require.Equal(t, byte(0), v)
}

func TestNewInitializesDeterministicPattern(t *testing.T) {
	m, err := New(t.TempDir(), 256)
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < m.Len(); i++ {
		v, err := m.Get(i)
		require.NoError(t, err)
		require.Equal(t, byte(i%256), v)
	}
}

func TestOpenSharesBackingFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 64)
	require.NoError(t, err)
	defer m.Close()
	// New stamps an i%256 pattern; start from an all-zero map.
	m.Reset()

	_, err = m.Increment(1)
	require.NoError(t, err)

	opened, err := Open(m.Path(), m.Len())
	require.NoError(t, err)
	defer opened.Close()

	v, err := opened.Get(1)
	require.NoError(t, err)
	require.Equal(t, byte(1), v)
}
