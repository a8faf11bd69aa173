// Package confirm runs the confirmation workflow between a frame-level
// fall signal and an external alert: snapshot, spoken prompt, a timed
// Yes/No answer window and a single alert per episode.
package confirm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fallwatch/internal/alert"
	"github.com/banshee-data/fallwatch/internal/config"
	"github.com/banshee-data/fallwatch/internal/fall"
	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/speech"
	"github.com/banshee-data/fallwatch/internal/timeutil"
)

// State is the confirmation state. There is one per process.
type State string

const (
	Normal    State = "normal"
	Suspected State = "suspected"
	Confirmed State = "confirmed"
	Dismissed State = "dismissed"
)

// Cause names the input that drove a transition.
type Cause string

const (
	CauseFallSignal Cause = "fall_signal"
	CauseAnswerYes  Cause = "answer_yes"
	CauseAnswerNo   Cause = "answer_no"
	CauseWatchdog   Cause = "watchdog"
	CauseRearm      Cause = "rearm"
	CauseReset      Cause = "reset"
)

// Answers is the recogniser grammar used for the prompt.
var Answers = []string{"Yes", "No"}

// Transition records one state change.
type Transition struct {
	Seq       uint64    `json:"seq"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Cause     Cause     `json:"cause"`
	EpisodeID string    `json:"episode_id,omitempty"`
	At        time.Time `json:"at"`
}

// SnapshotSource captures the current scene and returns the file path.
// Release tells the source a captured file is no longer needed, either
// because its alert has been sent or because the episode ended without one.
type SnapshotSource interface {
	Capture() (string, error)
	Release(path string)
}

// Config holds the workflow parameters.
type Config struct {
	WatchdogTimeout  time.Duration
	DispatchTimeout  time.Duration
	Rearm            bool
	Prompt           string
	AssistanceNotice string
	DismissNotice    string
	Subject          string
	Body             string
	Recipients       []string
}

// ConfigFromDetection builds a Config from the loaded configuration.
func ConfigFromDetection(cfg *config.DetectionConfig, recipients []string) Config {
	return Config{
		WatchdogTimeout:  cfg.GetWatchdogTimeout(),
		DispatchTimeout:  cfg.GetDispatchTimeout(),
		Rearm:            cfg.GetRearmAfterConfirm(),
		Prompt:           cfg.GetPrompt(),
		AssistanceNotice: cfg.GetAssistanceNotice(),
		DismissNotice:    cfg.GetDismissNotice(),
		Subject:          cfg.GetAlertSubject(),
		Body:             cfg.GetAlertBody(),
		Recipients:       append([]string(nil), recipients...),
	}
}

// Deps are the machine's collaborators. Snapshots and Recognizer may be
// nil; the watchdog then decides every episode.
type Deps struct {
	Snapshots  SnapshotSource
	Speaker    speech.Speaker
	Recognizer speech.Recognizer
	Dispatcher alert.Dispatcher
	Clock      timeutil.Clock
}

// Status is a point-in-time view of the machine.
type Status struct {
	State          State       `json:"state"`
	EpisodeID      string      `json:"episode_id,omitempty"`
	Since          time.Time   `json:"since"`
	Episodes       uint64      `json:"episodes"`
	AlertsSent     uint64      `json:"alerts_sent"`
	AlertsFailed   uint64      `json:"alerts_failed"`
	LastTransition *Transition `json:"last_transition,omitempty"`
}

// Machine is the confirmation state machine. Every input (fall signal,
// watchdog expiry, recogniser result, reset) is serialised on one mutex.
// Timer and recogniser callbacks carry the episode they were started for
// and are dropped once that episode is no longer suspected.
type Machine struct {
	cfg  Config
	deps Deps
	logf func(format string, v ...interface{})

	mu       sync.Mutex
	state    State
	since    time.Time
	episode  string
	snapshot string
	timer    timeutil.Timer
	listener speech.Handle
	seq      uint64
	episodes uint64
	last     *Transition

	statsMu      sync.Mutex
	alertsSent   uint64
	alertsFailed uint64

	inflight sync.WaitGroup

	obsMu     sync.RWMutex
	observers map[int]func(Transition)
	nextObs   int
}

// NewMachine returns a machine in the Normal state.
func NewMachine(cfg Config, deps Deps) *Machine {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Speaker == nil {
		deps.Speaker = speech.LogSpeaker{}
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = alert.Log{}
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = config.DefaultWatchdogTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = config.DefaultDispatchTimeout
	}
	return &Machine{
		cfg:       cfg,
		deps:      deps,
		logf:      monitoring.Component("confirm"),
		state:     Normal,
		since:     deps.Clock.Now(),
		observers: make(map[int]func(Transition)),
	}
}

// Subscribe registers fn for every transition. Observers run outside the
// machine lock, in the goroutine that caused the transition, and must not
// block. The returned function removes the observer.
func (m *Machine) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Machine) publish(ts []Transition) {
	if len(ts) == 0 {
		return
	}
	m.obsMu.RLock()
	fns := make([]func(Transition), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()
	for _, t := range ts {
		for _, fn := range fns {
			fn(t)
		}
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current state and counters.
func (m *Machine) Status() Status {
	m.mu.Lock()
	s := Status{
		State:     m.state,
		EpisodeID: m.episode,
		Since:     m.since,
		Episodes:  m.episodes,
	}
	if m.last != nil {
		t := *m.last
		s.LastTransition = &t
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	s.AlertsSent = m.alertsSent
	s.AlertsFailed = m.alertsFailed
	m.statsMu.Unlock()
	return s
}

// transition must be called with mu held.
func (m *Machine) transition(to State, cause Cause) Transition {
	m.seq++
	now := m.deps.Clock.Now()
	t := Transition{
		Seq:       m.seq,
		From:      m.state,
		To:        to,
		Cause:     cause,
		EpisodeID: m.episode,
		At:        now,
	}
	m.state = to
	m.since = now
	m.last = &t
	m.logf("%s -> %s (%s) episode=%s", t.From, t.To, t.Cause, t.EpisodeID)
	return t
}

// OnFallSignal starts a new episode when the machine is Normal. Signals in
// any other state are ignored.
func (m *Machine) OnFallSignal(ev fall.Evidence) {
	m.mu.Lock()
	if m.state != Normal {
		m.mu.Unlock()
		return
	}

	ep := uuid.NewString()
	m.episode = ep
	m.episodes++
	m.snapshot = ""
	if m.deps.Snapshots != nil {
		path, err := m.deps.Snapshots.Capture()
		if err != nil {
			m.logf("snapshot failed, alerting without attachment: %v", err)
		} else {
			m.snapshot = path
		}
	}
	ts := []Transition{m.transition(Suspected, CauseFallSignal)}
	m.logf("fall signal: %d of %d joints falling", ev.Falling, ev.Tracked)

	m.deps.Speaker.Speak(m.cfg.Prompt)
	m.timer = m.deps.Clock.AfterFunc(m.cfg.WatchdogTimeout, func() { m.onWatchdog(ep) })
	if m.deps.Recognizer != nil {
		h, err := m.deps.Recognizer.Listen(Answers, func(r speech.Result) { m.onAnswer(ep, r) })
		if err != nil {
			m.logf("recogniser unavailable, waiting for watchdog: %v", err)
		} else {
			m.listener = h
		}
	}
	m.mu.Unlock()

	m.publish(ts)
}

func (m *Machine) onAnswer(ep string, r speech.Result) {
	m.mu.Lock()
	if m.state != Suspected || m.episode != ep {
		m.mu.Unlock()
		return
	}

	answer := ""
	if r.Outcome == speech.Recognized {
		answer = strings.ToLower(strings.TrimSpace(r.Text))
	}
	var ts []Transition
	var pending *alert.Alert
	switch answer {
	case "no":
		m.stopTimer()
		m.stopListener()
		m.deps.Speaker.Speak(m.cfg.DismissNotice)
		ts = append(ts, m.transition(Dismissed, CauseAnswerNo))
		ts = append(ts, m.transition(Normal, CauseAnswerNo))
		m.clearEpisode()
	case "yes":
		m.stopTimer()
		m.stopListener()
		pending, ts = m.confirm(alert.ReasonConfirmed, CauseAnswerYes)
	default:
		m.deps.Speaker.Speak("Please answer " + strings.Join(Answers, " or ") + ".")
	}
	m.mu.Unlock()

	m.publish(ts)
	if pending != nil {
		m.send(*pending)
	}
}

func (m *Machine) onWatchdog(ep string) {
	m.mu.Lock()
	if m.state != Suspected || m.episode != ep {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.stopListener()
	m.deps.Speaker.Speak(m.cfg.AssistanceNotice)
	pending, ts := m.confirm(alert.ReasonNoAnswer, CauseWatchdog)
	m.mu.Unlock()

	m.publish(ts)
	m.send(*pending)
}

// confirm must be called with mu held. It returns the alert to send once
// the lock is released.
func (m *Machine) confirm(reason alert.Reason, cause Cause) (*alert.Alert, []Transition) {
	ts := []Transition{m.transition(Confirmed, cause)}
	a := &alert.Alert{
		EpisodeID:  m.episode,
		Reason:     reason,
		Snapshot:   m.snapshot,
		Subject:    m.cfg.Subject,
		Body:       m.cfg.Body,
		Recipients: append([]string(nil), m.cfg.Recipients...),
		At:         m.deps.Clock.Now(),
	}
	// The alert owns the snapshot from here on.
	m.snapshot = ""
	if m.cfg.Rearm {
		ts = append(ts, m.transition(Normal, CauseRearm))
		m.clearEpisode()
	}
	return a, ts
}

// send dispatches a in the background so the goroutine that confirmed the
// fall (the feed or the watchdog) never waits on a transport.
func (m *Machine) send(a alert.Alert) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.dispatch(a)
		if a.Snapshot != "" && m.deps.Snapshots != nil {
			m.deps.Snapshots.Release(a.Snapshot)
		}
	}()
}

// Wait blocks until every alert handed to the dispatcher has finished.
func (m *Machine) Wait() {
	m.inflight.Wait()
}

func (m *Machine) dispatch(a alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DispatchTimeout)
	defer cancel()
	err := m.deps.Dispatcher.Dispatch(ctx, a)

	m.statsMu.Lock()
	if err != nil {
		m.alertsFailed++
	} else {
		m.alertsSent++
	}
	m.statsMu.Unlock()

	if err != nil {
		m.logf("alert for episode %s failed: %v", a.EpisodeID, err)
		return
	}
	m.logf("alert for episode %s sent (%s)", a.EpisodeID, a.Reason)
}

// Reset returns the machine to Normal from any state, cancelling a pending
// watchdog and recogniser. It is the operator's way out of Confirmed.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.state == Normal {
		m.mu.Unlock()
		return
	}
	m.stopTimer()
	m.stopListener()
	ts := []Transition{m.transition(Normal, CauseReset)}
	m.clearEpisode()
	m.mu.Unlock()

	m.publish(ts)
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) stopListener() {
	if m.listener != nil {
		m.listener.Stop()
		m.listener = nil
	}
}

// clearEpisode must be called with mu held.
func (m *Machine) clearEpisode() {
	if m.snapshot != "" && m.deps.Snapshots != nil {
		m.deps.Snapshots.Release(m.snapshot)
	}
	m.episode = ""
	m.snapshot = ""
}
