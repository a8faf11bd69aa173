package fall

import (
	"errors"
	"fmt"

	"github.com/banshee-data/fallwatch/internal/skeleton"
)

// ErrUnknownJoint is returned when a joint outside the monitored set is
// observed.
var ErrUnknownJoint = errors.New("joint is not monitored")

type jointMotion struct {
	lastY  float64
	window *SlidingWindow
}

// MotionTracker turns raw joint heights into a smoothed vertical velocity.
// It owns one window and one last-height value per monitored joint; the set
// of joints is fixed at construction.
//
// The signal is lastY - currentY per observed frame, so a joint moving down
// produces a positive value. A joint that goes untracked keeps its state
// and the first delta after the gap spans the whole gap.
type MotionTracker struct {
	joints []skeleton.JointID
	state  map[skeleton.JointID]*jointMotion
}

// NewMotionTracker creates a tracker for the given joints.
func NewMotionTracker(joints []skeleton.JointID, windowSize int) *MotionTracker {
	t := &MotionTracker{
		joints: append([]skeleton.JointID(nil), joints...),
		state:  make(map[skeleton.JointID]*jointMotion, len(joints)),
	}
	for _, j := range joints {
		t.state[j] = &jointMotion{window: NewSlidingWindow(windowSize)}
	}
	return t
}

// Joints returns the monitored joints in evaluation order.
func (t *MotionTracker) Joints() []skeleton.JointID {
	return append([]skeleton.JointID(nil), t.joints...)
}

// Observe records the joint's current height and returns the average
// vertical velocity over the window.
func (t *MotionTracker) Observe(joint skeleton.JointID, currentY float64) (float64, error) {
	m, ok := t.state[joint]
	if !ok {
		return 0, fmt.Errorf("observe %q: %w", joint, ErrUnknownJoint)
	}
	m.window.Push(m.lastY - currentY)
	m.lastY = currentY
	avg, _ := m.window.Average()
	return avg, nil
}

// LastY returns the last recorded height for joint.
func (t *MotionTracker) LastY(joint skeleton.JointID) (float64, bool) {
	m, ok := t.state[joint]
	if !ok {
		return 0, false
	}
	return m.lastY, true
}

// Samples returns the number of samples currently held for joint.
func (t *MotionTracker) Samples(joint skeleton.JointID) int {
	if m, ok := t.state[joint]; ok {
		return m.window.Len()
	}
	return 0
}

// Reset returns every joint to its initial state.
func (t *MotionTracker) Reset() {
	for _, m := range t.state {
		m.lastY = 0
		m.window.Reset()
	}
}
