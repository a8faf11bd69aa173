// Package fall turns skeleton frames into a frame-level fall signal:
// per-joint motion smoothing, floor-relative distance and a consensus rule
// across the monitored joints.
package fall

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fallwatch/internal/config"
	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/skeleton"
)

// SkipReason explains why a frame produced no fall evidence.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipDisabled        SkipReason = "disabled"
	SkipNoSkeleton      SkipReason = "no_tracked_skeleton"
	SkipDegeneratePlane SkipReason = "degenerate_plane"
	SkipNoTrackedJoints SkipReason = "no_tracked_joints"
)

// JointVerdict is one joint's contribution to a frame.
type JointVerdict struct {
	Joint    skeleton.JointID `json:"joint"`
	Distance float64          `json:"distance"`
	Velocity float64          `json:"velocity"`
	Falling  bool             `json:"falling"`
}

// Evidence is the per-frame classifier output. It is recomputed for every
// frame and never stored beyond the latest one.
type Evidence struct {
	Timestamp time.Time      `json:"timestamp"`
	Tracked   int            `json:"tracked"`
	Falling   int            `json:"falling"`
	Fired     bool           `json:"fired"`
	Skipped   SkipReason     `json:"skipped,omitempty"`
	Joints    []JointVerdict `json:"joints,omitempty"`
}

// SignalHandler receives frames on which the consensus fired.
type SignalHandler interface {
	OnFallSignal(Evidence)
}

// Config holds the detector parameters.
type Config struct {
	Joints     []skeleton.JointID
	WindowSize int
	Classifier Classifier
}

// ConfigFromDetection builds a Config from a loaded DetectionConfig.
func ConfigFromDetection(cfg *config.DetectionConfig) (Config, error) {
	var joints []skeleton.JointID
	for _, name := range cfg.GetMonitoredJoints() {
		j := skeleton.JointID(name)
		if !j.Valid() {
			return Config{}, fmt.Errorf("unknown monitored joint %q", name)
		}
		joints = append(joints, j)
	}
	consensus, err := ConsensusByName(cfg.GetConsensus())
	if err != nil {
		return Config{}, err
	}
	return Config{
		Joints:     joints,
		WindowSize: cfg.GetWindowSize(),
		Classifier: Classifier{
			DistanceThreshold: cfg.GetDistanceThreshold(),
			VelocityThreshold: cfg.GetVelocityThreshold(),
			Consensus:         consensus,
		},
	}, nil
}

// Stats summarises detector activity since start.
type Stats struct {
	Enabled  bool                  `json:"enabled"`
	Frames   uint64                `json:"frames"`
	Skipped  map[SkipReason]uint64 `json:"skipped"`
	Fired    uint64                `json:"fired"`
	Last     *Evidence             `json:"last,omitempty"`
	LastSeen time.Time             `json:"last_seen"`
}

// Detector is the per-frame entry point of the pipeline. ProcessFrame
// expects one caller at a time; the mutex only guards against the control
// surface (enable, disable, reset, stats) racing a frame.
type Detector struct {
	mu         sync.Mutex
	tracker    *MotionTracker
	classifier Classifier
	joints     []skeleton.JointID
	handler    SignalHandler
	enabled    bool

	frames   uint64
	fired    uint64
	skipped  map[SkipReason]uint64
	last     *Evidence
	lastSeen time.Time
}

// NewDetector creates an enabled detector. handler may be nil.
func NewDetector(cfg Config, handler SignalHandler) *Detector {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Detector{
		tracker:    NewMotionTracker(cfg.Joints, size),
		classifier: cfg.Classifier,
		joints:     append([]skeleton.JointID(nil), cfg.Joints...),
		handler:    handler,
		enabled:    true,
		skipped:    make(map[SkipReason]uint64),
	}
}

// Enable resumes frame processing.
func (d *Detector) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		monitoring.Logf("fall detection enabled")
	}
	d.enabled = true
}

// Disable stops frame processing. Per-joint state is kept.
func (d *Detector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		monitoring.Logf("fall detection disabled")
	}
	d.enabled = false
}

// Enabled reports whether frames are being processed.
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Reset clears the per-joint motion state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracker.Reset()
}

// ProcessFrame classifies one frame and forwards it to the signal handler
// when the consensus fires.
func (d *Detector) ProcessFrame(f skeleton.Frame) Evidence {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.frames++
	d.lastSeen = f.Timestamp
	ev := d.evaluate(f)
	d.last = &ev
	if ev.Skipped != SkipNone {
		d.skipped[ev.Skipped]++
		return ev
	}
	if ev.Fired {
		d.fired++
		if d.handler != nil {
			d.handler.OnFallSignal(ev)
		}
	}
	return ev
}

func (d *Detector) evaluate(f skeleton.Frame) Evidence {
	ev := Evidence{Timestamp: f.Timestamp}
	if !d.enabled {
		ev.Skipped = SkipDisabled
		return ev
	}

	body, ok := f.Primary()
	if !ok {
		ev.Skipped = SkipNoSkeleton
		return ev
	}

	// A frame with an unusable floor plane leaves joint state untouched.
	if _, err := skeleton.SignedDistance(f.FloorPlane, skeleton.Point3D{}); err != nil {
		ev.Skipped = SkipDegeneratePlane
		return ev
	}

	for _, id := range d.joints {
		js := body.Joint(id)
		if !js.Tracked() {
			continue
		}
		velocity, err := d.tracker.Observe(id, js.Position.Y)
		if err != nil {
			monitoring.Logf("fall: %v", err)
			continue
		}
		distance, err := skeleton.SignedDistance(f.FloorPlane, js.Position)
		if err != nil {
			continue
		}
		v := JointVerdict{
			Joint:    id,
			Distance: distance,
			Velocity: velocity,
			Falling:  d.classifier.IsFalling(distance, velocity),
		}
		ev.Tracked++
		if v.Falling {
			ev.Falling++
		}
		ev.Joints = append(ev.Joints, v)
	}

	if ev.Tracked == 0 {
		ev.Skipped = SkipNoTrackedJoints
		return ev
	}
	ev.Fired = d.classifier.Fires(ev.Tracked, ev.Falling)
	return ev
}

// Stats returns a snapshot of detector activity.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	skipped := make(map[SkipReason]uint64, len(d.skipped))
	for k, v := range d.skipped {
		skipped[k] = v
	}
	var last *Evidence
	if d.last != nil {
		cp := *d.last
		cp.Joints = append([]JointVerdict(nil), d.last.Joints...)
		last = &cp
	}
	return Stats{
		Enabled:  d.enabled,
		Frames:   d.frames,
		Skipped:  skipped,
		Fired:    d.fired,
		Last:     last,
		LastSeen: d.lastSeen,
	}
}
