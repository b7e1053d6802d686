package memory

import (
	"fmt"
	"time"
)

// Relation labels form a fixed vocabulary. The classifier that asserts
// edges is external; anything outside this set is rejected at the write
// boundary.
type Relation string

const (
	RelCauses      Relation = "causes"
	RelEnables     Relation = "enables"
	RelContradicts Relation = "contradicts"
	RelElaborates  Relation = "elaborates"
	RelFollows     Relation = "follows"
	RelRelatedTo   Relation = "related_to"
)

var relationVocabulary = map[Relation]bool{
	RelCauses:      true,
	RelEnables:     true,
	RelContradicts: true,
	RelElaborates:  true,
	RelFollows:     true,
	RelRelatedTo:   true,
}

// ValidateRelation rejects labels outside the fixed vocabulary.
func ValidateRelation(r Relation) error {
	if !relationVocabulary[r] {
		return fmt.Errorf("unknown relation label %q", r)
	}
	return nil
}

// TypedEdge is a directed, labeled relation between two memories.
type TypedEdge struct {
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	Relation      Relation  `json:"relation"`
	Confidence    float64   `json:"confidence"`
	Evidence      string    `json:"evidence,omitempty"`
	AutoExtracted bool      `json:"auto_extracted"`
	Created       time.Time `json:"created"`
}

// TrustTier weights a co-occurrence observation by its provenance.
// An agent's own session carries more belief than memories that arrived
// through the cross-agent shared space.
type TrustTier string

const (
	TrustSelf   TrustTier = "self"
	TrustShared TrustTier = "shared"
)

// Weight returns the belief increment for one observation at this tier.
func (t TrustTier) Weight() float64 {
	switch t {
	case TrustSelf:
		return 1.0
	case TrustShared:
		return 0.5
	}
	return 0.5
}

// CanonicalPair orders an unordered memory-id pair, smaller id first.
// Every edge lookup and insert goes through this so the undirected graph
// can never grow duplicate or reversed rows.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Observation is one logged co-occurrence event.
type Observation struct {
	MemoryA  string    `json:"memory_a"`
	MemoryB  string    `json:"memory_b"`
	Tier     TrustTier `json:"tier"`
	Platform string    `json:"platform,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Contact  string    `json:"contact,omitempty"`
	Observed time.Time `json:"observed"`
}
