// Package featureflags evaluates the FEATURE_FLAGS setting.
package featureflags

import (
	"hash/fnv"
	"maps"
	"strconv"
	"strings"
)

// Flags known to the engine.
const (
	// VideoCalls gates camera capture for placed and accepted calls.
	VideoCalls = "video_calls"
	// AudioBitrateCap gates the opus maxaveragebitrate SDP rewrite.
	AudioBitrateCap = "audio_bitrate_cap"

	// Defaults enables both for everyone.
	Defaults = VideoCalls + "=on," + AudioBitrateCap + "=on"
)

// Manager evaluates feature flags defined in a simple key=value list.
// Example: "video_calls=on,audio_bitrate_cap=25%"
type Manager struct {
	flags map[string]string
}

// NewManager creates a feature-flag manager from a comma-separated config string.
func NewManager(raw string) *Manager {
	out := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = normalize(key)
		value = normalize(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}

	return &Manager{flags: out}
}

// Enabled returns whether a flag is enabled for a given participant.
// Supported values:
// - on/true/1
// - off/false/0
// - N% (deterministic participant rollout, e.g. 25%)
func (m *Manager) Enabled(name, participantID string) bool {
	if m == nil {
		return false
	}

	value, ok := m.flags[normalize(name)]
	if !ok {
		return false
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	pctRaw, isPct := strings.CutSuffix(value, "%")
	if !isPct {
		return false
	}
	pct, err := strconv.Atoi(pctRaw)
	if err != nil || pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	if participantID == "" {
		return false
	}
	return rolloutBucket(name, participantID) < pct
}

// Raw returns a copy of configured flags.
func (m *Manager) Raw() map[string]string {
	return maps.Clone(m.flags)
}

// Snapshot returns evaluated flag status for one participant.
func (m *Manager) Snapshot(participantID string) map[string]bool {
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[name] = m.Enabled(name, participantID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name, participantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalize(name) + ":" + participantID))
	return int(h.Sum32() % 100)
}
