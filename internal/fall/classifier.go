package fall

import (
	"fmt"

	"github.com/banshee-data/fallwatch/internal/config"
)

// Consensus aggregates per-joint verdicts into a frame-level fall signal.
type Consensus interface {
	Name() string
	Fires(tracked, falling int) bool
}

// RatioConsensus fires when falling >= tracked*100/75 in integer
// arithmetic. With three or more tracked joints the bound exceeds the
// tracked count, so it can only fire for one or two tracked joints.
type RatioConsensus struct{}

func (RatioConsensus) Name() string { return config.ConsensusRatio }

func (RatioConsensus) Fires(tracked, falling int) bool {
	if tracked <= 0 {
		return false
	}
	return falling >= tracked*100/75
}

// UnanimousConsensus fires when every tracked joint is falling.
type UnanimousConsensus struct{}

func (UnanimousConsensus) Name() string { return config.ConsensusUnanimous }

func (UnanimousConsensus) Fires(tracked, falling int) bool {
	return tracked > 0 && falling == tracked
}

// ConsensusByName returns the policy registered under name.
func ConsensusByName(name string) (Consensus, error) {
	switch name {
	case config.ConsensusRatio:
		return RatioConsensus{}, nil
	case config.ConsensusUnanimous:
		return UnanimousConsensus{}, nil
	}
	return nil, fmt.Errorf("unknown consensus policy %q", name)
}

// Classifier decides, per joint, whether the joint is falling, and per
// frame, whether the joints agree on a fall.
type Classifier struct {
	DistanceThreshold float64 // metres above the floor plane
	VelocityThreshold float64 // smoothed downward displacement per frame
	Consensus         Consensus
}

// IsFalling reports whether a joint is close to the floor and moving down.
func (c Classifier) IsFalling(distance, avgVelocity float64) bool {
	return distance <= c.DistanceThreshold && avgVelocity > c.VelocityThreshold
}

// Fires applies the consensus policy to a frame's counts.
func (c Classifier) Fires(tracked, falling int) bool {
	if c.Consensus == nil {
		return UnanimousConsensus{}.Fires(tracked, falling)
	}
	return c.Consensus.Fires(tracked, falling)
}
