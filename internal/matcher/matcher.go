// Package matcher ranks enrolled persons against a query embedding.
//
// Each person is scored by the minimum distance among their PerPersonK
// closest embeddings. Persons are ranked by that score and the best TopK are
// returned. The best match is accepted when its distance is at most the
// threshold.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/kozaktomas/face-recognizer/internal/cache"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"gonum.org/v1/gonum/floats"
)

// Options controls one match request. A nil Threshold and non-positive
// counts take the matcher defaults.
type Options struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
	PerPersonK int      `json:"per_person_k,omitempty"`
}

// Float returns a pointer to v, for setting Options.Threshold.
func Float(v float64) *float64 {
	return &v
}

// threshold returns the resolved threshold value.
func (o Options) threshold() float64 {
	if o.Threshold == nil {
		return constants.DefaultThreshold
	}
	return *o.Threshold
}

// Match is one ranked person.
type Match struct {
	PersonID string  `json:"person_id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
	Accepted bool    `json:"accepted"`
}

// Result is the ranking for one query embedding.
type Result struct {
	Matches   []Match `json:"matches"`
	Predicted *Match  `json:"predicted"`
	Accepted  bool    `json:"accepted"`
}

// Matcher ranks persons. It holds only defaults and is safe for concurrent use.
type Matcher struct {
	defaults Options
}

// New creates a Matcher. Zero fields in defaults fall back to the package constants.
func New(defaults Options) *Matcher {
	if defaults.TopK <= 0 {
		defaults.TopK = constants.DefaultTopK
	}
	if defaults.PerPersonK <= 0 {
		defaults.PerPersonK = constants.DefaultPerPersonK
	}
	if defaults.Threshold == nil {
		defaults.Threshold = Float(constants.DefaultThreshold)
	}
	return &Matcher{defaults: defaults}
}

// Defaults returns the options applied to zero-valued request fields.
func (m *Matcher) Defaults() Options {
	return m.defaults
}

// Resolve fills unset fields of opts from the defaults.
func (m *Matcher) Resolve(opts Options) Options {
	if opts.TopK <= 0 {
		opts.TopK = m.defaults.TopK
	}
	if opts.PerPersonK <= 0 {
		opts.PerPersonK = m.defaults.PerPersonK
	}
	if opts.Threshold == nil {
		opts.Threshold = m.defaults.Threshold
	}
	return opts
}

// candidate collects one person's distances before aggregation.
type candidate struct {
	personID  string
	name      string
	distances []float64
}

// Match ranks the persons of snap against query with an exact scan.
// Entries whose dimension differs from the query are ignored.
func (m *Matcher) Match(snap *cache.Snapshot, query []float32, opts Options) Result {
	opts = m.Resolve(opts)
	if snap.Len() == 0 {
		return Result{Matches: []Match{}}
	}

	q := make([]float64, len(query))
	for i, f := range query {
		q[i] = float64(f)
	}

	candidates := make([]candidate, 0, len(snap.Persons))
	for _, pe := range snap.Persons {
		c := candidate{personID: pe.PersonID, name: pe.Name, distances: make([]float64, 0, len(pe.Embeddings))}
		for _, e := range pe.Embeddings {
			if len(e.Vector) != len(q) {
				continue
			}
			c.distances = append(c.distances, floats.Distance(q, e.Vector, 2))
		}
		if len(c.distances) > 0 {
			candidates = append(candidates, c)
		}
	}

	return rank(candidates, opts)
}

// MatchNearest ranks persons using the store's approximate nearest-neighbor
// index instead of the cached snapshot. Persons with no embedding among the
// fetched neighbors are not considered.
func (m *Matcher) MatchNearest(ctx context.Context, store database.VectorStore, query []float32, opts Options) (Result, error) {
	opts = m.Resolve(opts)
	limit := opts.TopK * opts.PerPersonK * database.HNSWSearchMultiplier

	neighbors, err := store.QueryNearest(ctx, query, limit)
	if err != nil {
		return Result{}, fmt.Errorf("query nearest: %w", err)
	}

	index := make(map[string]int)
	var candidates []candidate
	for _, n := range neighbors {
		i, ok := index[n.PersonID]
		if !ok {
			i = len(candidates)
			index[n.PersonID] = i
			candidates = append(candidates, candidate{personID: n.PersonID, name: n.Name})
		}
		candidates[i].distances = append(candidates[i].distances, n.Distance)
	}

	return rank(candidates, opts), nil
}

func rank(candidates []candidate, opts Options) Result {
	threshold := opts.threshold()
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		// A person's score is the minimum over their per_person_k closest
		// embeddings, which is their overall minimum.
		d := floats.Min(c.distances)
		matches = append(matches, Match{
			PersonID: c.personID,
			Name:     c.name,
			Distance: d,
			Accepted: d <= threshold,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].PersonID < matches[j].PersonID
	})
	if len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}

	res := Result{Matches: matches}
	if len(matches) > 0 {
		best := matches[0]
		res.Predicted = &best
		res.Accepted = best.Accepted
	}
	return res
}
