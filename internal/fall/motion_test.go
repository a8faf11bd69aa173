package fall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fallwatch/internal/skeleton"
)

func TestMotionTracker_SignConvention(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.Head}, 10)

	// lastY starts at zero, so the first observation is 0 - y.
	v, err := tr.Observe(skeleton.Head, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, v, 1e-12)

	// moving down yields a positive delta
	v, err = tr.Observe(skeleton.Head, 0.6)
	require.NoError(t, err)
	assert.InDelta(t, (-1.0+0.4)/2, v, 1e-12)

	y, ok := tr.LastY(skeleton.Head)
	require.True(t, ok)
	assert.Equal(t, 0.6, y)
}

func TestMotionTracker_ConstantHeightConvergesToZero(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.Head}, 10)
	var v float64
	for i := 0; i < 11; i++ {
		var err error
		v, err = tr.Observe(skeleton.Head, 1.45)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.0, v, 1e-12)
}

func TestMotionTracker_SteadyDescentStabilises(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.ShoulderLeft}, 10)
	y := 1.4
	var v float64
	for i := 0; i < 15; i++ {
		var err error
		v, err = tr.Observe(skeleton.ShoulderLeft, y)
		require.NoError(t, err)
		y -= 0.1
	}
	assert.InDelta(t, 0.1, v, 1e-9)
	assert.Equal(t, 10, tr.Samples(skeleton.ShoulderLeft))
}

func TestMotionTracker_JointsAreIndependent(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.Head, skeleton.Spine}, 10)
	_, _ = tr.Observe(skeleton.Head, 1.0)
	_, _ = tr.Observe(skeleton.Head, 0.5)

	y, _ := tr.LastY(skeleton.Spine)
	assert.Equal(t, 0.0, y, "spine state must not see head samples")
	assert.Equal(t, 0, tr.Samples(skeleton.Spine))
	assert.Equal(t, 2, tr.Samples(skeleton.Head))
}

func TestMotionTracker_GapCarriesStaleState(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.Head}, 10)
	_, _ = tr.Observe(skeleton.Head, 1.5)
	// joint untracked for a few frames: no calls
	v, err := tr.Observe(skeleton.Head, 0.9)
	require.NoError(t, err)
	// the delta spans the gap: 1.5 - 0.9
	assert.InDelta(t, (-1.5+0.6)/2, v, 1e-12)
}

func TestMotionTracker_UnknownJoint(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.Head}, 10)
	_, err := tr.Observe(skeleton.FootLeft, 0.1)
	assert.True(t, errors.Is(err, ErrUnknownJoint))
	_, ok := tr.LastY(skeleton.FootLeft)
	assert.False(t, ok)
}

func TestMotionTracker_Reset(t *testing.T) {
	tr := NewMotionTracker([]skeleton.JointID{skeleton.Head}, 10)
	_, _ = tr.Observe(skeleton.Head, 1.2)
	tr.Reset()
	y, _ := tr.LastY(skeleton.Head)
	assert.Equal(t, 0.0, y)
	assert.Equal(t, 0, tr.Samples(skeleton.Head))
	assert.Equal(t, []skeleton.JointID{skeleton.Head}, tr.Joints())
}
