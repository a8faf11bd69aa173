// Package feed decodes sensor bridge messages and routes them to the
// detector, the snapshot store and the speech recogniser. Messages arrive
// as JSON lines over the serial link, as UDP datagrams, or from a packet
// capture of those datagrams.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fallwatch/internal/skeleton"
	"github.com/banshee-data/fallwatch/internal/snapshot"
	"github.com/banshee-data/fallwatch/internal/speech"
)

// Kind is the message type tag.
type Kind string

const (
	KindSkeleton Kind = "skeleton"
	KindColor    Kind = "color"
	KindSpeech   Kind = "speech"
)

var ErrUnknownKind = errors.New("unknown message type")

// Message is one decoded bridge message. Exactly one payload field is set,
// matching Kind.
type Message struct {
	Kind   Kind
	Frame  *skeleton.Frame
	Color  *snapshot.ColorFrame
	Speech *speech.Result
}

type envelope struct {
	Type Kind `json:"type"`
}

type wireJoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	State string  `json:"state"`
}

type wireSkeleton struct {
	ID       int                  `json:"id"`
	State    string               `json:"state"`
	Position skeleton.Point3D     `json:"position"`
	Joints   map[string]wireJoint `json:"joints"`
}

type wireSkeletonFrame struct {
	Timestamp int64          `json:"timestamp"`
	Floor     [4]float64     `json:"floor"`
	Skeletons []wireSkeleton `json:"skeletons"`
}

type wireColor struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels []byte `json:"pixels"`
}

type wireSpeech struct {
	Result     string  `json:"result"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Decode parses one bridge message.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case KindSkeleton:
		var w wireSkeletonFrame
		if err := json.Unmarshal(line, &w); err != nil {
			return Message{}, fmt.Errorf("decode skeleton frame: %w", err)
		}
		f := w.frame()
		return Message{Kind: KindSkeleton, Frame: &f}, nil

	case KindColor:
		var w wireColor
		if err := json.Unmarshal(line, &w); err != nil {
			return Message{}, fmt.Errorf("decode colour frame: %w", err)
		}
		c := snapshot.ColorFrame{Width: w.Width, Height: w.Height, Pixels: w.Pixels}
		if err := c.Validate(); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindColor, Color: &c}, nil

	case KindSpeech:
		var w wireSpeech
		if err := json.Unmarshal(line, &w); err != nil {
			return Message{}, fmt.Errorf("decode speech result: %w", err)
		}
		r := speech.Result{Outcome: speech.Rejected, Text: w.Text, Confidence: w.Confidence}
		switch w.Result {
		case "recognized":
			r.Outcome = speech.Recognized
		case "rejected":
		default:
			return Message{}, fmt.Errorf("unknown speech result %q", w.Result)
		}
		return Message{Kind: KindSpeech, Speech: &r}, nil
	}
	return Message{}, fmt.Errorf("%w %q", ErrUnknownKind, env.Type)
}

func (w wireSkeletonFrame) frame() skeleton.Frame {
	f := skeleton.Frame{
		Timestamp: time.UnixMilli(w.Timestamp),
		FloorPlane: skeleton.FloorPlane{
			A: w.Floor[0], B: w.Floor[1], C: w.Floor[2], D: w.Floor[3],
		},
		Skeletons: make([]skeleton.Skeleton, 0, len(w.Skeletons)),
	}
	for _, ws := range w.Skeletons {
		s := skeleton.Skeleton{
			TrackingID: ws.ID,
			State:      skeletonState(ws.State),
			Position:   ws.Position,
			Joints:     make(map[skeleton.JointID]skeleton.JointSample, len(ws.Joints)),
		}
		for name, wj := range ws.Joints {
			id := skeleton.JointID(name)
			if !id.Valid() {
				continue
			}
			s.Joints[id] = skeleton.JointSample{
				Joint:    id,
				Position: skeleton.Point3D{X: wj.X, Y: wj.Y, Z: wj.Z},
				State:    jointState(wj.State),
			}
		}
		f.Skeletons = append(f.Skeletons, s)
	}
	return f
}

// Unrecognised states decode as not tracked so they never count as
// evidence.
func skeletonState(s string) skeleton.TrackingState {
	switch st := skeleton.TrackingState(s); st {
	case skeleton.Tracked, skeleton.PositionOnly:
		return st
	}
	return skeleton.NotTracked
}

func jointState(s string) skeleton.JointTrackingState {
	switch st := skeleton.JointTrackingState(s); st {
	case skeleton.JointTracked, skeleton.JointInferred:
		return st
	}
	return skeleton.JointNotTracked
}
