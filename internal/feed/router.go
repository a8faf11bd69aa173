package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/fallwatch/internal/fall"
	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/skeleton"
	"github.com/banshee-data/fallwatch/internal/snapshot"
	"github.com/banshee-data/fallwatch/internal/speech"
)

// FrameSink consumes skeleton frames.
type FrameSink interface {
	ProcessFrame(skeleton.Frame) fall.Evidence
}

// ColorSink consumes colour frames.
type ColorSink interface {
	Update(snapshot.ColorFrame) error
}

// SpeechSink consumes recogniser results. It reports whether anyone was
// listening.
type SpeechSink interface {
	Deliver(speech.Result) bool
}

// Stats counts routed messages.
type Stats struct {
	Frames       uint64 `json:"frames"`
	ColorFrames  uint64 `json:"color_frames"`
	SpeechEvents uint64 `json:"speech_events"`
	Unheard      uint64 `json:"unheard_speech"`
	Errors       uint64 `json:"errors"`
}

// Router dispatches decoded messages. Any sink may be nil, in which case
// messages of that kind are counted and dropped. HandleLine and
// HandleDatagram may be called from several goroutines, but frames are
// handed to the FrameSink one at a time.
type Router struct {
	frames FrameSink
	colors ColorSink
	speech SpeechSink

	frameMu sync.Mutex

	mu    sync.Mutex
	stats Stats
}

func NewRouter(frames FrameSink, colors ColorSink, speech SpeechSink) *Router {
	return &Router{frames: frames, colors: colors, speech: speech}
}

// HandleLine decodes and routes one JSON line.
func (r *Router) HandleLine(line []byte) error {
	msg, err := Decode(line)
	if err != nil {
		r.count(func(s *Stats) { s.Errors++ })
		return err
	}
	return r.Route(msg)
}

// HandleDatagram routes one UDP payload. Each datagram carries exactly one
// message.
func (r *Router) HandleDatagram(payload []byte) error {
	return r.HandleLine(payload)
}

// ErrEmptyMessage is returned by Route for a message whose payload is
// missing for its kind.
var ErrEmptyMessage = errors.New("message has no payload")

// Route hands a decoded message to its sink.
func (r *Router) Route(msg Message) error {
	if !msg.hasPayload() {
		r.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("%w: %q", ErrEmptyMessage, msg.Kind)
	}
	switch msg.Kind {
	case KindSkeleton:
		r.count(func(s *Stats) { s.Frames++ })
		if r.frames != nil {
			r.frameMu.Lock()
			r.frames.ProcessFrame(*msg.Frame)
			r.frameMu.Unlock()
		}
	case KindColor:
		r.count(func(s *Stats) { s.ColorFrames++ })
		if r.colors != nil {
			if err := r.colors.Update(*msg.Color); err != nil {
				r.count(func(s *Stats) { s.Errors++ })
				return err
			}
		}
	case KindSpeech:
		r.count(func(s *Stats) { s.SpeechEvents++ })
		if r.speech == nil || !r.speech.Deliver(*msg.Speech) {
			r.count(func(s *Stats) { s.Unheard++ })
		}
	}
	return nil
}

// Run routes lines from ch until it closes or ctx is done. Bad lines are
// logged and skipped.
func (r *Router) Run(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := r.HandleLine([]byte(line)); err != nil {
				monitoring.Logf("feed: dropping line: %v", err)
			}
		}
	}
}

func (r *Router) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

// Stats returns the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (m Message) hasPayload() bool {
	switch m.Kind {
	case KindSkeleton:
		return m.Frame != nil
	case KindColor:
		return m.Color != nil
	case KindSpeech:
		return m.Speech != nil
	}
	return false
}
