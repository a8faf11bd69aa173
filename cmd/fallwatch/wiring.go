package main

import (
	"fmt"
	"time"

	"github.com/banshee-data/fallwatch/internal/alert"
	"github.com/banshee-data/fallwatch/internal/config"
	"github.com/banshee-data/fallwatch/internal/confirm"
	"github.com/banshee-data/fallwatch/internal/fall"
	"github.com/banshee-data/fallwatch/internal/feed"
	"github.com/banshee-data/fallwatch/internal/serialmux"
	"github.com/banshee-data/fallwatch/internal/snapshot"
	"github.com/banshee-data/fallwatch/internal/speech"
	"github.com/banshee-data/fallwatch/internal/timeutil"
)

// pipeline is the wired detection and confirmation chain.
type pipeline struct {
	link       serialmux.Link
	snapshots  *snapshot.Store
	recognizer *speech.BridgeRecognizer
	machine    *confirm.Machine
	detector   *fall.Detector
	router     *feed.Router
	closers    []func() error
}

// Close waits for in-flight alerts, then releases transports.
func (p *pipeline) Close() {
	if p.machine != nil {
		p.machine.Wait()
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			logf("close: %v", err)
		}
	}
}

// openLink picks the bridge transport: a fixture replay, a real serial
// port, or none.
func openLink(fixture string, interval time.Duration, port string, opts serialmux.PortOptions, elevation int) (serialmux.Link, error) {
	switch {
	case fixture != "":
		lines, err := serialmux.LoadFixture(fixture)
		if err != nil {
			return nil, fmt.Errorf("failed to load fixture: %w", err)
		}
		mux := serialmux.NewSerialMux(serialmux.NewFixturePort(lines, interval))
		mux.SetElevation(elevation)
		return mux, nil
	case port != "":
		mux, err := serialmux.OpenBridge(port, opts)
		if err != nil {
			return nil, err
		}
		mux.SetElevation(elevation)
		return mux, nil
	default:
		return serialmux.NewDisabledLink(), nil
	}
}

// buildDispatcher always logs alerts and adds every transport the
// environment configures.
func buildDispatcher(env config.AlertEnv) (alert.Dispatcher, []func() error) {
	ds := alert.Multi{alert.Log{}}
	var closers []func() error
	if env.EmailEnabled() {
		ds = append(ds, alert.NewEmail(alert.EmailConfig{
			Host:     env.SMTPHost,
			Port:     env.SMTPPort,
			Username: env.SMTPUser,
			Password: env.SMTPPassword,
			From:     env.SMTPFrom,
		}))
		logf("email alerts enabled via %s:%d for %d recipients", env.SMTPHost, env.SMTPPort, len(env.Recipients))
	}
	if env.RedisAddr != "" {
		client := alert.NewRedisClient(env.RedisAddr, "")
		ds = append(ds, alert.NewRedisPublisher(client, env.RedisChannel))
		closers = append(closers, client.Close)
		logf("redis alerts enabled on %s channel %q", env.RedisAddr, env.RedisChannel)
	}
	return ds, closers
}

func buildPipeline(cfg *config.DetectionConfig, env config.AlertEnv, link serialmux.Link, clock timeutil.Clock) (*pipeline, error) {
	dispatcher, closers := buildDispatcher(env)
	p, err := newPipeline(cfg, env.Recipients, link, clock, dispatcher)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	p.closers = append(p.closers, closers...)
	return p, nil
}

func newPipeline(cfg *config.DetectionConfig, recipients []string, link serialmux.Link, clock timeutil.Clock, dispatcher alert.Dispatcher) (*pipeline, error) {
	detCfg, err := fall.ConfigFromDetection(cfg)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		link:       link,
		snapshots:  snapshot.NewStore(nil, cfg.GetSnapshotDir()),
		recognizer: &speech.BridgeRecognizer{Link: link},
	}
	p.machine = confirm.NewMachine(confirm.ConfigFromDetection(cfg, recipients), confirm.Deps{
		Snapshots:  p.snapshots,
		Speaker:    speech.BridgeSpeaker{Link: link},
		Recognizer: p.recognizer,
		Dispatcher: dispatcher,
		Clock:      clock,
	})
	p.detector = fall.NewDetector(detCfg, p.machine)
	p.router = feed.NewRouter(p.detector, p.snapshots, p.recognizer)
	return p, nil
}
