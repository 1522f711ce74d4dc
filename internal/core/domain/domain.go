package domain

import (
	"fmt"
	"strings"
)

// Domain is a knowledge category that partitions documents and scopes cache
// invalidation.
type Domain string

const (
	DomainGeneral Domain = "general"

	// ScopeEmbeddings tags cached query embeddings. Embeddings do not depend on
	// indexed content, so domain invalidation leaves them in place.
	ScopeEmbeddings = "_embeddings"

	// ScopeRoutes tags cached routing decisions keyed by query and hint.
	// Routing depends only on the query, so domain invalidation keeps them.
	ScopeRoutes = "_routes"
)

func (d Domain) String() string {
	return string(d)
}

// ParseDomain normalizes a raw domain label.
func ParseDomain(raw string) Domain {
	return Domain(strings.ToLower(strings.TrimSpace(raw)))
}

// DomainSet is the closed set of domains configured at startup.
type DomainSet struct {
	ordered []Domain
	index   map[Domain]struct{}
}

// NewDomainSet builds a set from raw labels; general is always a member.
func NewDomainSet(labels ...string) DomainSet {
	set := DomainSet{index: make(map[Domain]struct{}, len(labels)+1)}
	for _, label := range labels {
		d := ParseDomain(label)
		if d == "" {
			continue
		}
		if _, ok := set.index[d]; ok {
			continue
		}
		set.index[d] = struct{}{}
		set.ordered = append(set.ordered, d)
	}
	if _, ok := set.index[DomainGeneral]; !ok {
		set.index[DomainGeneral] = struct{}{}
		set.ordered = append(set.ordered, DomainGeneral)
	}
	return set
}

func (s DomainSet) Contains(d Domain) bool {
	_, ok := s.index[d]
	return ok
}

func (s DomainSet) List() []Domain {
	out := make([]Domain, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Validate resolves a raw label against the set.
func (s DomainSet) Validate(raw string) (Domain, error) {
	d := ParseDomain(raw)
	if d == "" {
		return "", WrapError(ErrValidation, "validate domain", fmt.Errorf("domain is required"))
	}
	if !s.Contains(d) {
		return "", WrapError(ErrValidation, "validate domain", fmt.Errorf("unknown domain %q", raw))
	}
	return d, nil
}

type DomainScore struct {
	Domain     Domain  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// RankedDomains is a non-empty list ordered by descending confidence.
type RankedDomains []DomainScore

func (r RankedDomains) SizeBytes() int64 {
	var size int64
	for _, s := range r {
		size += int64(len(s.Domain)) + 8
	}
	return size
}

func (r RankedDomains) Primary() Domain {
	if len(r) == 0 {
		return DomainGeneral
	}
	return r[0].Domain
}
