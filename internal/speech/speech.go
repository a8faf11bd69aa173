// Package speech defines the voice collaborators of the confirmation
// workflow and implements them on top of the sensor bridge's command link.
package speech

import (
	"strings"
	"sync"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// Outcome is the kind of recognition result.
type Outcome int

const (
	Recognized Outcome = iota
	Rejected
)

func (o Outcome) String() string {
	if o == Recognized {
		return "recognized"
	}
	return "rejected"
}

// Result is one answer from the recogniser.
type Result struct {
	Outcome    Outcome
	Text       string
	Confidence float64
}

// Speaker says text aloud. Implementations must not block on playback.
type Speaker interface {
	Speak(text string)
}

// Handle stops an active listener. Stop is safe to call more than once.
type Handle interface {
	Stop()
}

// Recognizer listens for one of a small set of phrases and reports each
// result through fn until the handle is stopped.
type Recognizer interface {
	Listen(grammar []string, fn func(Result)) (Handle, error)
}

// Commander sends a line-oriented command to the sensor bridge.
type Commander interface {
	SendCommand(command string) error
}

// BridgeSpeaker asks the sensor bridge to speak.
type BridgeSpeaker struct {
	Link Commander
}

// Speak sends "SAY <text>". Failures are logged.
func (s BridgeSpeaker) Speak(text string) {
	text = strings.ReplaceAll(text, "\n", " ")
	if err := s.Link.SendCommand("SAY " + text); err != nil {
		monitoring.Logf("speech: failed to send prompt %q: %v", text, err)
	}
}

// LogSpeaker only logs what would have been said.
type LogSpeaker struct{}

func (LogSpeaker) Speak(text string) { monitoring.Logf("speech: say %q", text) }

// BridgeRecognizer drives the bridge's recogniser. The bridge reports
// results as messages which the feed hands to Deliver.
type BridgeRecognizer struct {
	Link Commander

	mu      sync.Mutex
	active  *listener
	grammar map[string]string
}

type listener struct {
	r       *BridgeRecognizer
	fn      func(Result)
	stopped bool
}

// Listen starts recognition constrained to grammar. Starting a new
// listener replaces any previous one.
func (r *BridgeRecognizer) Listen(grammar []string, fn func(Result)) (Handle, error) {
	if err := r.Link.SendCommand("LISTEN " + strings.Join(grammar, "|")); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.stopped = true
	}
	r.grammar = make(map[string]string, len(grammar))
	for _, g := range grammar {
		r.grammar[strings.ToLower(g)] = g
	}
	r.active = &listener{r: r, fn: fn}
	return r.active, nil
}

// Deliver passes a bridge result to the active listener. Phrases outside
// the grammar are delivered as rejections. It reports whether a listener
// was active.
func (r *BridgeRecognizer) Deliver(res Result) bool {
	r.mu.Lock()
	l := r.active
	if l == nil || l.stopped {
		r.mu.Unlock()
		return false
	}
	if res.Outcome == Recognized {
		phrase, ok := r.grammar[strings.ToLower(strings.TrimSpace(res.Text))]
		if ok {
			res.Text = phrase
		} else {
			res = Result{Outcome: Rejected, Text: res.Text, Confidence: res.Confidence}
		}
	}
	fn := l.fn
	r.mu.Unlock()

	fn(res)
	return true
}

// Listening reports whether a listener is active.
func (r *BridgeRecognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && !r.active.stopped
}

func (l *listener) Stop() {
	r := l.r
	r.mu.Lock()
	if l.stopped {
		r.mu.Unlock()
		return
	}
	l.stopped = true
	if r.active == l {
		r.active = nil
	}
	r.mu.Unlock()

	if err := r.Link.SendCommand("UNLISTEN"); err != nil {
		monitoring.Logf("speech: failed to stop recogniser: %v", err)
	}
}
