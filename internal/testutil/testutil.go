// Package testutil provides shared test helpers and skeleton fixtures.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/skeleton"
)

// Epoch is the timestamp of the first fixture frame.
var Epoch = time.Unix(1700000000, 0)

// FrameInterval is the nominal sensor frame spacing.
const FrameInterval = 33 * time.Millisecond

// QuietLogs mutes the package logger for the rest of the test.
func QuietLogs(t testing.TB) {
	t.Helper()
	prev := monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a request that appears to come from loopback.
func NewTestRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Frame builds a frame at index i holding one tracked skeleton whose given
// joints are all tracked at (x, y, 2).
func Frame(i int, plane skeleton.FloorPlane, joints []skeleton.JointID, x, y float64) skeleton.Frame {
	m := make(map[skeleton.JointID]skeleton.JointSample, len(joints))
	for _, j := range joints {
		m[j] = skeleton.JointSample{
			Joint:    j,
			Position: skeleton.Point3D{X: x, Y: y, Z: 2},
			State:    skeleton.JointTracked,
		}
	}
	return skeleton.Frame{
		Timestamp:  Epoch.Add(time.Duration(i) * FrameInterval),
		FloorPlane: plane,
		Skeletons:  []skeleton.Skeleton{{TrackingID: 1, State: skeleton.Tracked, Joints: m}},
	}
}

// FallingFrames returns n frames of the given joints dropping 0.2 m per
// frame from y=1.2, held 0.3 m from an x-facing plane. Against a 0.5 m
// distance and 0.05 velocity threshold with a ten-sample window, the
// tenth frame is the first to fire.
func FallingFrames(joints []skeleton.JointID, n int) []skeleton.Frame {
	frames := make([]skeleton.Frame, 0, n)
	for i := 1; i <= n; i++ {
		frames = append(frames, Frame(i, skeleton.FloorPlane{A: 1}, joints, 0.3, 1.2-0.2*float64(i-1)))
	}
	return frames
}
