//go:build linux

package host

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
)

func TestHostProcessStopsOnTerminationRequest(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	k := newTestKernel(t)
	h, err := k.CreateProcess(kernel.ProcessImage{TitleID: 0x0004000000030000, Name: "game", Path: sleep, Args: []string{"30"}})
	require.NoError(t, err)
	require.NoError(t, k.SetProcessAffinityMask(h, 0x1, 2))
	require.NoError(t, k.StartProcess(h, 0x30, 0x4000))

	_, err = k.WaitSynchronization(context.Background(), []kernel.Handle{h}, 20*time.Millisecond)
	assert.ErrorIs(t, err, kernel.ErrTimeout)

	require.NoError(t, k.Deliver(h, terminationRequest))
	_, err = k.WaitSynchronization(context.Background(), []kernel.Handle{h}, 5*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, k.Deliver(h, terminationRequest), kernel.ErrNotFound)
}

func TestHostProcessForcedTermination(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	k := newTestKernel(t)
	h, _ := k.CreateProcess(kernel.ProcessImage{TitleID: 0x0004000000030000, Path: sleep, Args: []string{"30"}})
	require.NoError(t, k.StartProcess(h, 0x30, 0x4000))
	assert.ErrorIs(t, k.Deliver(h, 0x10C), kernel.ErrNotFound)

	require.NoError(t, k.TerminateProcess(h))
	_, err = k.WaitSynchronization(context.Background(), []kernel.Handle{h}, 5*time.Second)
	require.NoError(t, err)
}
