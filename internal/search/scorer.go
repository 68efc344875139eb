// Package search ranks registry devices against a free-text query with a
// cheap additive score. It is explainable rather than precise: false
// positives are expected and handled by broadening on the caller's side.
package search

import (
	"sort"
	"strings"
)

const (
	labelWeight      = 10.0
	roomWeight       = 8.0
	capabilityWeight = 5.0
	labelTokenWeight = 2.0
	roomBonus        = 1.0

	// Threshold is the minimum score for a device to be a candidate.
	Threshold = 0.3
)

// Candidate is the scoring view of a device.
type Candidate struct {
	Label        string
	Room         string
	Capabilities []string
	HasRoom      bool
}

// Ranked pairs a candidate index with its score.
type Ranked struct {
	Index int
	Score float64
}

// Keywords splits query into lowercased, non-empty whitespace tokens.
func Keywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Score returns the additive relevance of c for the given keywords.
// Each keyword adds 10 for a label match, 8 for a room match, 5 per
// matching capability and 2 if a label word contains it. Devices with a
// room get a flat +1.
func Score(c Candidate, keywords []string) float64 {
	label := strings.ToLower(c.Label)
	room := strings.ToLower(c.Room)
	labelParts := strings.Fields(label)
	caps := make([]string, len(c.Capabilities))
	for i, cp := range c.Capabilities {
		caps[i] = strings.ToLower(cp)
	}

	score := 0.0
	for _, kw := range keywords {
		if strings.Contains(label, kw) {
			score += labelWeight
		}
		if room != "" && strings.Contains(room, kw) {
			score += roomWeight
		}
		for _, cp := range caps {
			if strings.Contains(cp, kw) {
				score += capabilityWeight
			}
		}
		for _, part := range labelParts {
			if strings.Contains(part, kw) {
				score += labelTokenWeight
				break
			}
		}
	}
	if c.HasRoom {
		score += roomBonus
	}
	return score
}

// Rank scores every candidate against query, drops those at or below
// Threshold and returns the rest by descending score. Equal scores keep
// their input order. limit <= 0 means no limit.
func Rank(candidates []Candidate, query string, limit int) []Ranked {
	keywords := Keywords(query)
	if len(keywords) == 0 {
		return nil
	}

	ranked := make([]Ranked, 0, len(candidates))
	for i, c := range candidates {
		if s := Score(c, keywords); s > Threshold {
			ranked = append(ranked, Ranked{Index: i, Score: s})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
