package process

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_PID(t *testing.T) {
	m := NewManager(t.TempDir(), "rcc")

	assert.Equal(t, 0, m.ReadPID())
	assert.False(t, m.IsRunning())

	require.NoError(t, m.WritePID())
	assert.Equal(t, os.Getpid(), m.ReadPID())
	assert.True(t, m.IsRunning())

	m.CleanupPID()
	assert.Equal(t, 0, m.ReadPID())
	assert.NoFileExists(t, m.PIDFile())
}

func TestManager_StalePID(t *testing.T) {
	m := NewManager(t.TempDir(), "rcc")

	// PIDs are capped well below this on every supported platform.
	require.NoError(t, os.WriteFile(m.PIDFile(), []byte("99999999"), 0600))

	assert.False(t, m.IsRunning())
	assert.NoFileExists(t, m.PIDFile())
}

func TestManager_InvalidPID(t *testing.T) {
	m := NewManager(t.TempDir(), "rcc")
	require.NoError(t, os.WriteFile(m.PIDFile(), []byte("not-a-pid"), 0600))

	assert.Equal(t, 0, m.ReadPID())
	assert.NoError(t, m.Stop())
}

func TestManager_RefCount(t *testing.T) {
	m := NewManager(t.TempDir(), "rcc")

	m.IncrementRef()
	m.IncrementRef()
	assert.Equal(t, 2, m.ReadRef())

	m.DecrementRef()
	m.DecrementRef()
	m.DecrementRef()
	assert.Equal(t, 0, m.ReadRef())

	m.IncrementRef()
	m.CleanupRef()
	assert.Equal(t, 0, m.ReadRef())
}
