// Package risk classifies tool calls as low, medium, or high from the
// tool identity and argument heuristics. The scorer is a second line of
// defense independent of the manifest: suspicious arguments override a
// tool's declared low risk.
package risk

import (
	"regexp"
	"strings"
)

// Level is an ordered risk classification.
type Level int

const (
	Low Level = iota
	Medium
	High
)

func (l Level) String() string {
	switch l {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// ParseLevel maps a manifest risk_level string to a Level. Unknown or
// empty strings default to low.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "high":
		return High
	case "medium":
		return Medium
	default:
		return Low
	}
}

var (
	highRiskTool   = regexp.MustCompile(`^(system\.exec|file\.write|file\.delete|network\.request)$`)
	mediumRiskTool = regexp.MustCompile(`^(file\.read|clipboard\.read)$`)
	suspiciousKey  = regexp.MustCompile(`(?i)command|cmd|exec|shell|eval`)
	sqlInjection   = regexp.MustCompile(`(?i)'.*;.*(DROP|DELETE|UPDATE|INSERT)`)
)

const largeValueLen = 500

// Compute scores a call. baseline is the manifest risk_level when a
// manifest exists; pass Low otherwise. When several rules trigger, the
// highest severity wins.
func Compute(tool string, args map[string]interface{}, baseline Level) Level {
	level := baseline

	if highRiskTool.MatchString(tool) {
		level = max(level, High)
	} else if mediumRiskTool.MatchString(tool) {
		level = max(level, Medium)
	}

	for key, value := range args {
		if suspiciousKey.MatchString(key) {
			level = max(level, Medium)
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		if strings.Contains(s, "../") || strings.HasPrefix(s, "/proc/") {
			level = max(level, High)
		}
		if sqlInjection.MatchString(s) {
			level = max(level, High)
		}
		if len(s) > largeValueLen {
			level = max(level, Medium)
		}
	}

	return level
}

func max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
