package proc

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliveSelf(t *testing.T) {
	assert.True(t, Alive(Self()))
	assert.Equal(t, uint32(os.Getpid()), Self())
}

func TestAliveZero(t *testing.T) {
	assert.False(t, Alive(0))
	assert.Equal(t, "", Name(0))
}

func TestAliveReapedChild(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, Alive(uint32(cmd.Process.Pid)))
}

func TestAliveRunningChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	assert.True(t, Alive(uint32(cmd.Process.Pid)))
	assert.Equal(t, "sleep", Name(uint32(cmd.Process.Pid)))
}
