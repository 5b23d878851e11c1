package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := DefaultKernelConfig()
	cfg.NumCPUs = 2
	return New(cfg, 4096)
}

func TestKernelSpawnCreatesReadyThread(t *testing.T) {
	k := newTestKernel(t)
	p, th := k.Spawn()
	require.NotNil(t, p)
	require.Equal(t, ThreadReady, th.State())
	require.Equal(t, 1, k.Sched.RunQueue(th.AssignedCPU).Len())
}

// TestKernelForkThenExitRestoresRefcounts is the §8 round-trip
// property: fork then exit in the child restores the parent's frame
// refcounts to their pre-fork values.
func TestKernelForkThenExitRestoresRefcounts(t *testing.T) {
	k := newTestKernel(t)
	parent, parentThread := k.Spawn()

	require.NoError(t, k.Mmap(parent, 0x1000_0000, 0x1000, ProtRead|ProtWrite, MapPrivate, nil))
	_, err := parent.AS.HandleFault(0x1000_0000, true)
	require.NoError(t, err)

	frame, err := parent.AS.Translate(0x1000_0000)
	require.NoError(t, err)
	before, err := k.Frames.RefCount(frame)
	require.NoError(t, err)

	child, _, err := k.Fork(parent, parentThread)
	require.NoError(t, err)

	afterFork, err := k.Frames.RefCount(frame)
	require.NoError(t, err)
	require.Greater(t, afterFork, before)

	k.Exit(child, 0)

	afterExit, err := k.Frames.RefCount(frame)
	require.NoError(t, err)
	require.Equal(t, before, afterExit)
}

// TestKernelSetSchedAdmissionRejectsThenAccepts is scenario S4 driven
// through the Kernel's syscall surface rather than the bare
// AdmissionController.
func TestKernelSetSchedAdmissionRejectsThenAccepts(t *testing.T) {
	cfg := DefaultKernelConfig()
	cfg.NumCPUs = 1
	k := New(cfg, 4096)

	mkDeadline := func(runtime time.Duration) SetSchedRequest {
		return SetSchedRequest{
			Class: ClassDeadline,
			Deadline: DeadlineParams{
				Runtime:  runtime,
				Deadline: 10 * time.Millisecond,
				Period:   10 * time.Millisecond,
			},
		}
	}

	_, t1 := k.Spawn()
	_, t2 := k.Spawn()
	_, t3 := k.Spawn()

	_, err := k.SetSched(0, t1, mkDeadline(2*time.Millisecond))
	require.NoError(t, err)
	_, err = k.SetSched(0, t2, mkDeadline(2*time.Millisecond))
	require.NoError(t, err)

	reason, err := k.SetSched(0, t3, mkDeadline(2*time.Millisecond))
	require.ErrorIs(t, err, ErrAdmissionReject)
	require.Equal(t, AdmitRejectCPUUtilization, reason)

	reason, err = k.SetSched(0, t3, mkDeadline(1*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, AdmitOK, reason)
}

func TestKernelMmapMunmapRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	p, _ := k.Spawn()

	require.NoError(t, k.Mmap(p, 0x2000_0000, 0x1000, ProtRead|ProtWrite, MapPrivate, nil))
	require.Equal(t, 1, p.AS.Regions.Len())

	require.NoError(t, k.Munmap(p, 0x2000_0000, 0x1000))
	require.Equal(t, 0, p.AS.Regions.Len())
}

// TestKernelMprotectEnforcesWX is scenario S3 driven through the
// mmap/mprotect syscall surface: an RWX request is rejected, and the
// RW -> RX JIT sequence is accepted.
func TestKernelMprotectEnforcesWX(t *testing.T) {
	k := newTestKernel(t)
	p, _ := k.Spawn()

	err := k.Mmap(p, 0x3000_0000, 0x1000, ProtRead|ProtWrite|ProtExec, MapPrivate, nil)
	require.Error(t, err)

	require.NoError(t, k.Mmap(p, 0x3000_0000, 0x1000, ProtRead|ProtWrite, MapPrivate, nil))
	require.NoError(t, k.Mprotect(p, 0x3000_0000, ProtRead|ProtExec))

	r := p.AS.Regions.Find(0x3000_0000)
	require.False(t, r.Flags.IsWX())
	require.True(t, r.Flags&RegionExecutable != 0)
}

func TestKernelBrkGrowsHeap(t *testing.T) {
	k := newTestKernel(t)
	p, _ := k.Spawn()
	require.NoError(t, k.Mmap(p, 0x4000_0000, 0x1000, ProtRead|ProtWrite, MapPrivate, nil))

	require.NoError(t, k.Brk(p, 0x4000_0000, 0x2000))
	r := p.AS.Regions.Find(0x4000_0000)
	require.EqualValues(t, 0x2000, r.Length)
}

func TestKernelGetSetSchedRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	_, th := k.Spawn()

	req := SetSchedRequest{Class: ClassFair, Fair: FairParams{Nice: 5}}
	_, err := k.SetSched(th.AssignedCPU, th, req)
	require.NoError(t, err)

	got := k.GetSched(th)
	require.Equal(t, ClassFair, got.Class)
	require.Equal(t, 5, got.Fair.Nice)
}
