package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fallwatch/internal/alert"
	"github.com/banshee-data/fallwatch/internal/config"
	"github.com/banshee-data/fallwatch/internal/fall"
	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/skeleton"
	"github.com/banshee-data/fallwatch/internal/speech"
	"github.com/banshee-data/fallwatch/internal/timeutil"
)

type fakeSpeaker struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeSpeaker) Speak(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, text)
}

func (f *fakeSpeaker) said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeHandle struct{ stops int }

func (h *fakeHandle) Stop() { h.stops++ }

type fakeRecognizer struct {
	err     error
	grammar []string
	fn      func(speech.Result)
	handles []*fakeHandle
}

func (f *fakeRecognizer) Listen(grammar []string, fn func(speech.Result)) (speech.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.grammar = grammar
	f.fn = fn
	h := &fakeHandle{}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeRecognizer) say(text string) {
	f.fn(speech.Result{Outcome: speech.Recognized, Text: text, Confidence: 0.9})
}

func (f *fakeRecognizer) reject() { f.fn(speech.Result{Outcome: speech.Rejected}) }

type fakeSnapshots struct {
	calls int
	path  string
	err   error

	mu       sync.Mutex
	released []string
}

func (f *fakeSnapshots) Capture() (string, error) {
	f.calls++
	return f.path, f.err
}

func (f *fakeSnapshots) Release(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, path)
}

func (f *fakeSnapshots) releases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
	ctxOK  bool
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, r.ctxOK = ctx.Deadline()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingDispatcher) sent() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

type harness struct {
	m       *Machine
	clock   *timeutil.MockClock
	speaker *fakeSpeaker
	rec     *fakeRecognizer
	snaps   *fakeSnapshots
	disp    *recordingDispatcher
	trans   []Transition
}

func testConfig() Config {
	return Config{
		WatchdogTimeout:  5 * time.Second,
		DispatchTimeout:  time.Second,
		Prompt:           "Do you need assistance?",
		AssistanceNotice: "Assistance is on the way.",
		DismissNotice:    "Okay. No fall reported.",
		Subject:          "Fall detected",
		Body:             "body",
		Recipients:       []string{"carer@example.com"},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	prev := monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	h := &harness{
		clock:   timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		speaker: &fakeSpeaker{},
		rec:     &fakeRecognizer{},
		snaps:   &fakeSnapshots{path: "snapshots/fall-1.bmp"},
		disp:    &recordingDispatcher{},
	}
	h.m = NewMachine(cfg, Deps{
		Snapshots:  h.snaps,
		Speaker:    h.speaker,
		Recognizer: h.rec,
		Dispatcher: h.disp,
		Clock:      h.clock,
	})
	h.m.Subscribe(func(tr Transition) { h.trans = append(h.trans, tr) })
	t.Cleanup(h.m.Wait)
	return h
}

func (h *harness) path() []State {
	var states []State
	for _, tr := range h.trans {
		states = append(states, tr.To)
	}
	return states
}

var fired = fall.Evidence{Tracked: 4, Falling: 4, Fired: true}

func TestMachine_SignalStartsEpisode(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.OnFallSignal(fired)

	assert.Equal(t, Suspected, h.m.State())
	assert.Equal(t, 1, h.snaps.calls)
	assert.Equal(t, []string{"Do you need assistance?"}, h.speaker.said())
	assert.Equal(t, []string{"Yes", "No"}, h.rec.grammar)
	assert.Equal(t, 1, h.clock.Pending(), "watchdog armed")

	require.Len(t, h.trans, 1)
	assert.Equal(t, Normal, h.trans[0].From)
	assert.Equal(t, CauseFallSignal, h.trans[0].Cause)
	assert.NotEmpty(t, h.trans[0].EpisodeID)
	assert.Equal(t, h.trans[0].EpisodeID, h.m.Status().EpisodeID)
}

func TestMachine_ReentrantSignalsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.OnFallSignal(fired)
	h.m.OnFallSignal(fired)
	h.m.OnFallSignal(fired)

	assert.Equal(t, 1, h.snaps.calls, "one snapshot per episode")
	assert.Len(t, h.speaker.said(), 1)
	assert.Len(t, h.rec.handles, 1)
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, uint64(1), h.m.Status().Episodes)
}

func TestMachine_AnswerNoDismisses(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.OnFallSignal(fired)
	first := h.m.Status().EpisodeID

	h.rec.say("No")

	assert.Equal(t, Normal, h.m.State())
	assert.Equal(t, []State{Suspected, Dismissed, Normal}, h.path())
	assert.Equal(t, 0, h.clock.Pending(), "watchdog cancelled")
	assert.Equal(t, 1, h.rec.handles[0].stops)
	assert.Contains(t, h.speaker.said(), "Okay. No fall reported.")
	assert.Empty(t, h.disp.sent())
	assert.Empty(t, h.m.Status().EpisodeID)

	// the watchdog deadline passing later changes nothing
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, Normal, h.m.State())
	assert.Empty(t, h.disp.sent())

	// a new signal opens a fresh episode
	h.m.OnFallSignal(fired)
	assert.Equal(t, Suspected, h.m.State())
	assert.NotEqual(t, first, h.m.Status().EpisodeID)
	assert.Equal(t, 2, h.snaps.calls)
}

func TestMachine_AnswerYesConfirms(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.OnFallSignal(fired)
	ep := h.m.Status().EpisodeID

	h.rec.say("yes")
	h.m.Wait()

	assert.Equal(t, Confirmed, h.m.State())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.rec.handles[0].stops)

	sent := h.disp.sent()
	require.Len(t, sent, 1)
	want := alert.Alert{
		EpisodeID:  ep,
		Reason:     alert.ReasonConfirmed,
		Snapshot:   "snapshots/fall-1.bmp",
		Subject:    "Fall detected",
		Body:       "body",
		Recipients: []string{"carer@example.com"},
		At:         h.clock.Now(),
	}
	if diff := cmp.Diff(want, sent[0]); diff != "" {
		t.Errorf("alert mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, h.disp.ctxOK, "dispatch runs with a deadline")

	// late inputs for the same episode do nothing
	h.rec.say("No")
	h.clock.Advance(time.Minute)
	h.m.OnFallSignal(fired)
	h.m.Wait()
	assert.Equal(t, Confirmed, h.m.State())
	assert.Len(t, h.disp.sent(), 1, "alert dispatched exactly once")

	st := h.m.Status()
	assert.Equal(t, uint64(1), st.AlertsSent)
	assert.Equal(t, uint64(0), st.AlertsFailed)
}

func TestMachine_RejectedRePrompts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.OnFallSignal(fired)

	h.clock.Advance(2 * time.Second)
	h.rec.reject()
	h.rec.say("maybe")

	assert.Equal(t, Suspected, h.m.State())
	assert.Equal(t, []string{
		"Do you need assistance?",
		"Please answer Yes or No.",
		"Please answer Yes or No.",
	}, h.speaker.said())
	assert.Equal(t, 1, h.clock.Pending(), "timer untouched")
	assert.Equal(t, 0, h.rec.handles[0].stops, "recogniser untouched")

	// the original deadline still applies
	h.clock.Advance(2900 * time.Millisecond)
	assert.Equal(t, Suspected, h.m.State())
	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, Confirmed, h.m.State())
}

func TestMachine_WatchdogConfirms(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.OnFallSignal(fired)

	h.clock.Advance(5 * time.Second)
	h.m.Wait()

	assert.Equal(t, Confirmed, h.m.State())
	assert.Equal(t, 1, h.rec.handles[0].stops)
	said := h.speaker.said()
	assert.Equal(t, "Assistance is on the way.", said[len(said)-1])

	sent := h.disp.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.ReasonNoAnswer, sent[0].Reason)

	// an answer arriving after expiry is dropped
	h.rec.say("Yes")
	h.m.Wait()
	assert.Len(t, h.disp.sent(), 1)
	assert.Equal(t, CauseWatchdog, h.trans[len(h.trans)-1].Cause)
}

func TestMachine_SnapshotFailureStillAlerts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.snaps.err = errors.New("no colour frame available")
	h.snaps.path = ""

	h.m.OnFallSignal(fired)
	h.clock.Advance(5 * time.Second)
	h.m.Wait()

	sent := h.disp.sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Snapshot)
	assert.Empty(t, h.snaps.releases())
}

func TestMachine_RecognizerUnavailable(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rec.err = errors.New("bridge offline")

	h.m.OnFallSignal(fired)
	assert.Equal(t, Suspected, h.m.State())

	h.clock.Advance(5 * time.Second)
	h.m.Wait()
	assert.Equal(t, Confirmed, h.m.State())
	assert.Len(t, h.disp.sent(), 1)
}

func TestMachine_DispatchFailureIsContained(t *testing.T) {
	h := newHarness(t, testConfig())
	h.disp.err = errors.New("smtp down")

	h.m.OnFallSignal(fired)
	h.rec.say("Yes")
	h.m.Wait()

	assert.Equal(t, Confirmed, h.m.State())
	st := h.m.Status()
	assert.Equal(t, uint64(0), st.AlertsSent)
	assert.Equal(t, uint64(1), st.AlertsFailed)
}

func TestMachine_RearmAfterConfirm(t *testing.T) {
	cfg := testConfig()
	cfg.Rearm = true
	h := newHarness(t, cfg)

	h.m.OnFallSignal(fired)
	h.clock.Advance(5 * time.Second)
	h.m.Wait()

	assert.Equal(t, Normal, h.m.State())
	assert.Equal(t, []State{Suspected, Confirmed, Normal}, h.path())
	assert.Equal(t, CauseRearm, h.trans[2].Cause)
	require.Len(t, h.disp.sent(), 1)
	assert.NotEmpty(t, h.disp.sent()[0].EpisodeID, "alert keeps the episode after re-arm")

	h.m.OnFallSignal(fired)
	assert.Equal(t, Suspected, h.m.State())
}

func TestMachine_DispatchDoesNotBlockAnswer(t *testing.T) {
	prev := monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	rec := &fakeRecognizer{}
	snaps := &fakeSnapshots{path: "snapshots/fall-1.bmp"}
	m := NewMachine(testConfig(), Deps{
		Snapshots:  snaps,
		Recognizer: rec,
		Speaker:    &fakeSpeaker{},
		Clock:      timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		Dispatcher: alert.DispatcherFunc(func(ctx context.Context, a alert.Alert) error {
			<-release
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}),
	})

	m.OnFallSignal(fired)
	answered := make(chan struct{})
	go func() {
		rec.say("Yes")
		close(answered)
	}()

	select {
	case <-answered:
	case <-time.After(2 * time.Second):
		t.Fatal("answer blocked on the alert transport")
	}
	assert.Equal(t, Confirmed, m.State())
	assert.Empty(t, snaps.releases(), "snapshot kept while the alert is in flight")

	close(release)
	m.Wait()
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, uint64(1), m.Status().AlertsSent)
	assert.Equal(t, []string{"snapshots/fall-1.bmp"}, snaps.releases())
}

func TestMachine_SnapshotReleasedOnDismiss(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.OnFallSignal(fired)
	assert.Empty(t, h.snaps.releases())

	h.rec.say("No")
	assert.Equal(t, []string{"snapshots/fall-1.bmp"}, h.snaps.releases())

	h.m.OnFallSignal(fired)
	h.m.Reset()
	assert.Len(t, h.snaps.releases(), 2, "reset while suspected releases too")
}

func TestMachine_Reset(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.Reset()
	assert.Empty(t, h.trans, "reset in Normal is a no-op")

	h.m.OnFallSignal(fired)
	h.m.Reset()
	assert.Equal(t, Normal, h.m.State())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.rec.handles[0].stops)
	assert.Equal(t, CauseReset, h.trans[len(h.trans)-1].Cause)

	h.m.OnFallSignal(fired)
	h.rec.say("Yes")
	require.Equal(t, Confirmed, h.m.State())
	h.m.Reset()
	assert.Equal(t, Normal, h.m.State())
	assert.Empty(t, h.m.Status().EpisodeID)
}

func TestMachine_StaleEpisodeCallbacksIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.OnFallSignal(fired)
	staleAnswer := h.rec.fn
	h.rec.say("No")

	h.m.OnFallSignal(fired)
	staleAnswer(speech.Result{Outcome: speech.Recognized, Text: "Yes"})

	assert.Equal(t, Suspected, h.m.State(), "answer for the dismissed episode is dropped")
	assert.Empty(t, h.disp.sent())
}

func TestMachine_TransitionsAreSequenced(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.OnFallSignal(fired)
	h.rec.say("No")

	for i, tr := range h.trans {
		assert.Equal(t, uint64(i+1), tr.Seq)
	}
	require.NotNil(t, h.m.Status().LastTransition)
	assert.Equal(t, uint64(3), h.m.Status().LastTransition.Seq)
}

func TestMachine_Unsubscribe(t *testing.T) {
	h := newHarness(t, testConfig())
	var extra int
	unsubscribe := h.m.Subscribe(func(Transition) { extra++ })

	h.m.OnFallSignal(fired)
	unsubscribe()
	h.m.Reset()

	assert.Equal(t, 1, extra)
	assert.Len(t, h.trans, 2)
}

func TestMachine_Defaults(t *testing.T) {
	m := NewMachine(Config{}, Deps{})
	assert.Equal(t, config.DefaultWatchdogTimeout, m.cfg.WatchdogTimeout)
	assert.Equal(t, config.DefaultDispatchTimeout, m.cfg.DispatchTimeout)
	assert.Equal(t, Normal, m.State())
}

func TestConfigFromDetection(t *testing.T) {
	cfg := ConfigFromDetection(config.EmptyDetectionConfig(), []string{"a@example.com"})
	assert.Equal(t, 5*time.Second, cfg.WatchdogTimeout)
	assert.Equal(t, 20*time.Second, cfg.DispatchTimeout)
	assert.False(t, cfg.Rearm)
	assert.Equal(t, "Do you need assistance?", cfg.Prompt)
	assert.Equal(t, "Assistance is on the way.", cfg.AssistanceNotice)
	assert.Equal(t, []string{"a@example.com"}, cfg.Recipients)
}

// TestDetectorDrivesMachine runs a descending head through the detector
// and checks the episode opens on the first firing frame.
func TestDetectorDrivesMachine(t *testing.T) {
	h := newHarness(t, testConfig())
	d := fall.NewDetector(fall.Config{
		Joints:     []skeleton.JointID{skeleton.Head},
		WindowSize: 10,
		Classifier: fall.Classifier{DistanceThreshold: 0.5, VelocityThreshold: 0.05, Consensus: fall.UnanimousConsensus{}},
	}, h.m)

	start := time.Unix(1700000000, 0)
	opened := 0
	for i := 1; i <= 12; i++ {
		d.ProcessFrame(skeleton.Frame{
			Timestamp:  start.Add(time.Duration(i) * 33 * time.Millisecond),
			FloorPlane: skeleton.FloorPlane{A: 1},
			Skeletons: []skeleton.Skeleton{{
				TrackingID: 1,
				State:      skeleton.Tracked,
				Joints: map[skeleton.JointID]skeleton.JointSample{
					skeleton.Head: {
						Joint:    skeleton.Head,
						Position: skeleton.Point3D{X: 0.3, Y: 1.2 - 0.2*float64(i-1), Z: 2},
						State:    skeleton.JointTracked,
					},
				},
			}},
		})
		if opened == 0 && h.m.State() == Suspected {
			opened = i
		}
	}

	assert.Equal(t, 10, opened)
	assert.Equal(t, uint64(1), h.m.Status().Episodes, "frames 11 and 12 do not open new episodes")
	assert.Equal(t, 1, h.snaps.calls)
}
