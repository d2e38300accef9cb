package main

import "slices"

// Player is one roster entry from the upstream stats API.
type Player struct {
	Name  string   `json:"name"`
	Image string   `json:"image"`
	Teams []string `json:"teams"`
	Roles []string `json:"roles"`
	KD    float64  `json:"kd"`
	Maps  []string `json:"maps"`
}

// The fixed vocabulary of grid conditions. Category labels fetched from the
// API are only meaningful if they appear here; anything else evaluates false.
const (
	labelPlayedForOpTic  = "Played for OpTic"
	labelPlayedForFaZe   = "Played for FaZe"
	labelPlayedForEnvy   = "Played for Envy"
	labelPlayedWithScump = "Played with Scump"
	labelKDOverOnePtOne  = "K/D over 1.1"
	labelARPlayer        = "AR player"
	labelSMGPlayer       = "SMG player"
	labelPlayedNuketown  = "Played Nuketown"
	labelPlayedTerminal  = "Played Terminal"
)

// evaluate reports whether a player satisfies a single grid condition.
// It fails closed: a nil player, an empty label, or a label outside the
// known vocabulary all evaluate false rather than erroring.
//
// "Played with Scump" carries a deliberate quirk: Scump himself never
// satisfies it, even though he was on OpTic. Keep that exclusion as-is.
func evaluate(p *Player, label string) bool {
	if p == nil {
		return false
	}

	switch label {
	case labelPlayedForOpTic:
		return slices.Contains(p.Teams, "OpTic")
	case labelPlayedForFaZe:
		return slices.Contains(p.Teams, "FaZe")
	case labelPlayedForEnvy:
		return slices.Contains(p.Teams, "Envy")
	case labelPlayedWithScump:
		return p.Name != "Scump" && slices.Contains(p.Teams, "OpTic")
	case labelKDOverOnePtOne:
		return p.KD > 1.1
	case labelARPlayer:
		return slices.Contains(p.Roles, "AR")
	case labelSMGPlayer:
		return slices.Contains(p.Roles, "SMG")
	case labelPlayedNuketown:
		return slices.Contains(p.Maps, "Nuketown")
	case labelPlayedTerminal:
		return slices.Contains(p.Maps, "Terminal")
	default:
		return false
	}
}
