package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the path to the canonical detection defaults file.
const DefaultConfigPath = "config/fallwatch.defaults.json"

const (
	DefaultWatchdogTimeout = 5 * time.Second
	DefaultDispatchTimeout = 20 * time.Second
)

// Consensus policy names.
const (
	ConsensusRatio     = "ratio"
	ConsensusUnanimous = "unanimous"
)

// Profile names.
const (
	ProfileFourJoint  = "four_joint"
	ProfileEightJoint = "eight_joint"
)

// DetectionProfile is a named preset for the classifier. Explicit fields in
// DetectionConfig override the preset.
type DetectionProfile struct {
	Joints            []string
	DistanceThreshold float64
	VelocityThreshold float64
	Consensus         string
}

var profiles = map[string]DetectionProfile{
	ProfileFourJoint: {
		Joints:            []string{"head", "shoulder_center", "shoulder_left", "shoulder_right"},
		DistanceThreshold: 0.80,
		VelocityThreshold: 0.05,
		Consensus:         ConsensusUnanimous,
	},
	ProfileEightJoint: {
		Joints: []string{
			"head", "shoulder_center", "shoulder_left", "shoulder_right",
			"spine", "hip_center", "hip_left", "hip_right",
		},
		DistanceThreshold: 0.50,
		VelocityThreshold: 0.05,
		Consensus:         ConsensusRatio,
	},
}

// Profile returns the named preset.
func Profile(name string) (DetectionProfile, bool) {
	p, ok := profiles[name]
	if !ok {
		return DetectionProfile{}, false
	}
	p.Joints = append([]string(nil), p.Joints...)
	return p, true
}

// ProfileNames lists the known presets in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DetectionConfig is the root configuration for fall detection and the
// confirmation workflow. Unset fields fall back to the selected profile and
// then to built-in defaults, so partial files are safe.
type DetectionConfig struct {
	Profile *string `json:"profile,omitempty"`

	// Classifier
	MonitoredJoints   []string `json:"monitored_joints,omitempty"`
	DistanceThreshold *float64 `json:"distance_threshold,omitempty"`
	VelocityThreshold *float64 `json:"velocity_threshold,omitempty"`
	Consensus         *string  `json:"consensus,omitempty"`
	WindowSize        *int     `json:"window_size,omitempty"`

	// Confirmation workflow
	WatchdogTimeout   *string `json:"watchdog_timeout,omitempty"` // duration string like "5s"
	RearmAfterConfirm *bool   `json:"rearm_after_confirm,omitempty"`
	DispatchTimeout   *string `json:"dispatch_timeout,omitempty"`
	Prompt            *string `json:"prompt,omitempty"`
	AssistanceNotice  *string `json:"assistance_notice,omitempty"`
	DismissNotice     *string `json:"dismiss_notice,omitempty"`

	// Alert content
	AlertSubject *string `json:"alert_subject,omitempty"`
	AlertBody    *string `json:"alert_body,omitempty"`
	SnapshotDir  *string `json:"snapshot_dir,omitempty"`
}

// EmptyDetectionConfig returns a DetectionConfig with every field unset.
func EmptyDetectionConfig() *DetectionConfig {
	return &DetectionConfig{}
}

// LoadDetectionConfig loads a DetectionConfig from a JSON file. The file
// must have a .json extension and be under 1MB.
func LoadDetectionConfig(path string) (*DetectionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDetectionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded; intended for
// test setup.
func MustLoadDefaultConfig() *DetectionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDetectionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *DetectionConfig) Validate() error {
	if c.Profile != nil {
		if _, ok := profiles[*c.Profile]; !ok {
			return fmt.Errorf("unknown profile %q (known: %v)", *c.Profile, ProfileNames())
		}
	}

	if c.DistanceThreshold != nil && *c.DistanceThreshold <= 0 {
		return fmt.Errorf("distance_threshold must be positive, got %f", *c.DistanceThreshold)
	}
	if c.VelocityThreshold != nil && *c.VelocityThreshold < 0 {
		return fmt.Errorf("velocity_threshold must be non-negative, got %f", *c.VelocityThreshold)
	}

	if c.Consensus != nil {
		switch *c.Consensus {
		case ConsensusRatio, ConsensusUnanimous:
		default:
			return fmt.Errorf("consensus must be %q or %q, got %q", ConsensusRatio, ConsensusUnanimous, *c.Consensus)
		}
	}

	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", *c.WindowSize)
	}

	if c.MonitoredJoints != nil {
		if len(c.MonitoredJoints) == 0 {
			return fmt.Errorf("monitored_joints must not be empty")
		}
		seen := make(map[string]bool, len(c.MonitoredJoints))
		for _, j := range c.MonitoredJoints {
			if seen[j] {
				return fmt.Errorf("monitored_joints lists %q twice", j)
			}
			seen[j] = true
		}
	}

	for name, v := range map[string]*string{
		"watchdog_timeout": c.WatchdogTimeout,
		"dispatch_timeout": c.DispatchTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	return nil
}

// GetProfile returns the selected profile name or the default.
func (c *DetectionConfig) GetProfile() string {
	if c.Profile == nil {
		return ProfileFourJoint
	}
	return *c.Profile
}

func (c *DetectionConfig) profile() DetectionProfile {
	p, ok := Profile(c.GetProfile())
	if !ok {
		p, _ = Profile(ProfileFourJoint)
	}
	return p
}

// GetMonitoredJoints returns the monitored joint names in evaluation order.
func (c *DetectionConfig) GetMonitoredJoints() []string {
	if c.MonitoredJoints != nil {
		return append([]string(nil), c.MonitoredJoints...)
	}
	return c.profile().Joints
}

// GetDistanceThreshold returns the distance_threshold value in metres.
func (c *DetectionConfig) GetDistanceThreshold() float64 {
	if c.DistanceThreshold == nil {
		return c.profile().DistanceThreshold
	}
	return *c.DistanceThreshold
}

// GetVelocityThreshold returns the velocity_threshold value.
func (c *DetectionConfig) GetVelocityThreshold() float64 {
	if c.VelocityThreshold == nil {
		return c.profile().VelocityThreshold
	}
	return *c.VelocityThreshold
}

// GetConsensus returns the consensus policy name.
func (c *DetectionConfig) GetConsensus() string {
	if c.Consensus == nil {
		return c.profile().Consensus
	}
	return *c.Consensus
}

// GetWindowSize returns the per-joint sliding window capacity.
func (c *DetectionConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return 10
	}
	return *c.WindowSize
}

// GetWatchdogTimeout returns how long the workflow waits for a spoken
// answer before confirming the fall.
func (c *DetectionConfig) GetWatchdogTimeout() time.Duration {
	return parseDurationOr(c.WatchdogTimeout, DefaultWatchdogTimeout)
}

// GetDispatchTimeout bounds a single alert delivery attempt.
func (c *DetectionConfig) GetDispatchTimeout() time.Duration {
	return parseDurationOr(c.DispatchTimeout, DefaultDispatchTimeout)
}

// GetRearmAfterConfirm reports whether detection re-arms on its own after
// an alert. The default holds the confirmed state until an operator reset.
func (c *DetectionConfig) GetRearmAfterConfirm() bool {
	if c.RearmAfterConfirm == nil {
		return false
	}
	return *c.RearmAfterConfirm
}

// GetPrompt returns the question spoken when a fall is suspected.
func (c *DetectionConfig) GetPrompt() string {
	return stringOr(c.Prompt, "Do you need assistance?")
}

// GetAssistanceNotice returns the notice spoken when help is summoned.
func (c *DetectionConfig) GetAssistanceNotice() string {
	return stringOr(c.AssistanceNotice, "Assistance is on the way.")
}

// GetDismissNotice returns the notice spoken when the person answers No.
func (c *DetectionConfig) GetDismissNotice() string {
	return stringOr(c.DismissNotice, "Okay. No fall reported.")
}

// GetAlertSubject returns the alert subject line.
func (c *DetectionConfig) GetAlertSubject() string {
	return stringOr(c.AlertSubject, "Fall detected")
}

// GetAlertBody returns the alert message body.
func (c *DetectionConfig) GetAlertBody() string {
	return stringOr(c.AlertBody, "A fall has been detected. A snapshot of the room is attached.")
}

// GetSnapshotDir returns the directory holding the alert snapshot.
func (c *DetectionConfig) GetSnapshotDir() string {
	return stringOr(c.SnapshotDir, "snapshots")
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
