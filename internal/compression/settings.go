package compression

import (
	"fmt"
	"strings"
)

// Tier is a named quality preset mapping to concrete encoder parameters.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ErrInvalidTier is returned when an unknown quality tier is requested.
var ErrInvalidTier = fmt.Errorf("invalid quality tier (valid: low, medium, high)")

// Settings holds the encoder parameters for one compression call.
// A Settings value is built per invocation and never mutated; concurrent
// tasks with different tiers each carry their own copy.
type Settings struct {
	Tier          Tier
	LossyQuality  int // JPEG quality percentage used by the library encoder
	LosslessLevel int // PNG compression level (0-9)
	EncoderSpeed  int // ffmpeg quality scale for the external encoder
}

// tierTable is the fixed tier to parameter mapping.
var tierTable = map[Tier]Settings{
	TierLow:    {Tier: TierLow, LossyQuality: 75, LosslessLevel: 9, EncoderSpeed: 3},
	TierMedium: {Tier: TierMedium, LossyQuality: 85, LosslessLevel: 6, EncoderSpeed: 2},
	TierHigh:   {Tier: TierHigh, LossyQuality: 95, LosslessLevel: 3, EncoderSpeed: 1},
}

// ParseTier validates a tier name and returns the canonical Tier.
func ParseTier(name string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := tierTable[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, name)
	}
	return tier, nil
}

// SettingsForTier returns the settings for the given tier.
func SettingsForTier(tier Tier) (Settings, error) {
	settings, ok := tierTable[tier]
	if !ok {
		return Settings{}, fmt.Errorf("%w: %q", ErrInvalidTier, string(tier))
	}
	return settings, nil
}

// Tiers returns the list of known tier names.
func Tiers() []string {
	return []string{string(TierLow), string(TierMedium), string(TierHigh)}
}
