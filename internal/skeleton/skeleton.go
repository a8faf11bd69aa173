// Package skeleton defines the pose frames delivered by the depth sensor
// bridge: joints in sensor space plus the floor plane estimate.
package skeleton

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// JointID names a skeleton joint.
type JointID string

// Joints of the 20-joint depth sensor skeleton.
const (
	HipCenter      JointID = "hip_center"
	Spine          JointID = "spine"
	ShoulderCenter JointID = "shoulder_center"
	Head           JointID = "head"
	ShoulderLeft   JointID = "shoulder_left"
	ElbowLeft      JointID = "elbow_left"
	WristLeft      JointID = "wrist_left"
	HandLeft       JointID = "hand_left"
	ShoulderRight  JointID = "shoulder_right"
	ElbowRight     JointID = "elbow_right"
	WristRight     JointID = "wrist_right"
	HandRight      JointID = "hand_right"
	HipLeft        JointID = "hip_left"
	KneeLeft       JointID = "knee_left"
	AnkleLeft      JointID = "ankle_left"
	FootLeft       JointID = "foot_left"
	HipRight       JointID = "hip_right"
	KneeRight      JointID = "knee_right"
	AnkleRight     JointID = "ankle_right"
	FootRight      JointID = "foot_right"
)

var knownJoints = map[JointID]struct{}{
	HipCenter: {}, Spine: {}, ShoulderCenter: {}, Head: {},
	ShoulderLeft: {}, ElbowLeft: {}, WristLeft: {}, HandLeft: {},
	ShoulderRight: {}, ElbowRight: {}, WristRight: {}, HandRight: {},
	HipLeft: {}, KneeLeft: {}, AnkleLeft: {}, FootLeft: {},
	HipRight: {}, KneeRight: {}, AnkleRight: {}, FootRight: {},
}

// Valid reports whether j is one of the skeleton's joints.
func (j JointID) Valid() bool {
	_, ok := knownJoints[j]
	return ok
}

// Point3D is a position in sensor space, in metres.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec returns p as a gonum vector.
func (p Point3D) Vec() r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

// JointTrackingState is the sensor's confidence in a joint position.
type JointTrackingState string

const (
	JointNotTracked JointTrackingState = "not_tracked"
	JointInferred   JointTrackingState = "inferred"
	JointTracked    JointTrackingState = "tracked"
)

// JointSample is one joint's position in one frame.
type JointSample struct {
	Joint    JointID
	Position Point3D
	State    JointTrackingState
}

// Tracked reports whether the sample may be used for fall evidence.
// Inferred positions are excluded.
func (s JointSample) Tracked() bool {
	return s.State == JointTracked
}

// TrackingState is the sensor's tracking state for a whole skeleton.
type TrackingState string

const (
	NotTracked   TrackingState = "not_tracked"
	PositionOnly TrackingState = "position_only"
	Tracked      TrackingState = "tracked"
)

// Skeleton is one person in a frame.
type Skeleton struct {
	TrackingID int
	State      TrackingState
	Position   Point3D
	Joints     map[JointID]JointSample
}

// Joint returns the sample for id. Missing joints are reported untracked.
func (s Skeleton) Joint(id JointID) JointSample {
	if js, ok := s.Joints[id]; ok {
		return js
	}
	return JointSample{Joint: id, State: JointNotTracked}
}

// Frame is one sensor tick. Frames are not evenly spaced and may be
// dropped upstream.
type Frame struct {
	Timestamp  time.Time
	FloorPlane FloorPlane
	Skeletons  []Skeleton
}

// Primary returns the first fully tracked skeleton in the frame.
// Position-only skeletons never qualify.
func (f Frame) Primary() (Skeleton, bool) {
	for _, s := range f.Skeletons {
		if s.State == Tracked {
			return s, true
		}
	}
	return Skeleton{}, false
}
