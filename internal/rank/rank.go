// Package rank maps cumulative experience points to named tiers.
package rank

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/focus-engine/internal/errors"
)

// Rank is one tier and the XP needed to reach it.
type Rank struct {
	Name      string `yaml:"name" json:"name"`
	Threshold int    `yaml:"threshold" json:"threshold"`
}

// Table is an ordered list of ranks, lowest threshold first.
type Table struct {
	ranks []Rank
}

type tableFile struct {
	Ranks []Rank `yaml:"ranks"`
}

// Default returns the built-in tiers.
func Default() *Table {
	return &Table{ranks: []Rank{
		{Name: "Novice", Threshold: 0},
		{Name: "Apprentice", Threshold: 250},
		{Name: "Focused", Threshold: 1000},
		{Name: "Adept", Threshold: 2500},
		{Name: "Expert", Threshold: 6000},
		{Name: "Master", Threshold: 12000},
		{Name: "Legend", Threshold: 25000},
	}}
}

// New validates ranks and builds a table. Thresholds must start at zero and
// strictly increase.
func New(ranks []Rank) (*Table, error) {
	if len(ranks) == 0 {
		return nil, perrors.Invalid("ranks", "must not be empty")
	}
	if ranks[0].Threshold != 0 {
		return nil, perrors.Invalid("ranks", "first threshold must be 0")
	}
	seen := make(map[string]bool, len(ranks))
	for i, r := range ranks {
		if r.Name == "" {
			return nil, perrors.Invalid("ranks", fmt.Sprintf("rank %d has no name", i))
		}
		if seen[r.Name] {
			return nil, perrors.Invalid("ranks", fmt.Sprintf("duplicate rank %q", r.Name))
		}
		seen[r.Name] = true
		if i > 0 && r.Threshold <= ranks[i-1].Threshold {
			return nil, perrors.Invalid("ranks", fmt.Sprintf("threshold of %q must exceed %d", r.Name, ranks[i-1].Threshold))
		}
	}
	out := make([]Rank, len(ranks))
	copy(out, ranks)
	return &Table{ranks: out}, nil
}

// Parse reads a table from YAML of the form:
//
//	ranks:
//	  - name: Novice
//	    threshold: 0
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rank table: %w", err)
	}
	return New(f.Ranks)
}

// Load reads a YAML table from path. An empty path yields the defaults.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rank table %s: %w", path, err)
	}
	return Parse(data)
}

// Lookup returns the highest rank whose threshold is at most xp.
// Negative xp is treated as zero.
func (t *Table) Lookup(xp int) Rank {
	i := sort.Search(len(t.ranks), func(i int) bool { return t.ranks[i].Threshold > xp })
	if i == 0 {
		return t.ranks[0]
	}
	return t.ranks[i-1]
}

// Name is Lookup(xp).Name, shaped to plug into store.SaveCompletion.
func (t *Table) Name(xp int) string {
	return t.Lookup(xp).Name
}

// Next returns the rank after the one xp falls in, if any.
func (t *Table) Next(xp int) (Rank, bool) {
	i := sort.Search(len(t.ranks), func(i int) bool { return t.ranks[i].Threshold > xp })
	if i >= len(t.ranks) {
		return Rank{}, false
	}
	return t.ranks[i], true
}

// Ranks returns a copy of the tiers.
func (t *Table) Ranks() []Rank {
	out := make([]Rank, len(t.ranks))
	copy(out, t.ranks)
	return out
}
