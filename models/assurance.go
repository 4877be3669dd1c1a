package models

import "fmt"

// AssuranceLevel is an ordered trust tier representing verification strength
type AssuranceLevel string

const (
	AssuranceL0    AssuranceLevel = "L0"
	AssuranceL1    AssuranceLevel = "L1"
	AssuranceL2    AssuranceLevel = "L2"
	AssuranceL3    AssuranceLevel = "L3"
	AssuranceL4KYC AssuranceLevel = "L4KYC"
	AssuranceL4FIN AssuranceLevel = "L4FIN"
)

var assuranceRank = map[AssuranceLevel]int{
	AssuranceL0:    0,
	AssuranceL1:    1,
	AssuranceL2:    2,
	AssuranceL3:    3,
	AssuranceL4KYC: 4,
	AssuranceL4FIN: 4,
}

// AssuranceLevels lists all known levels in ascending order
func AssuranceLevels() []AssuranceLevel {
	return []AssuranceLevel{AssuranceL0, AssuranceL1, AssuranceL2, AssuranceL3, AssuranceL4KYC, AssuranceL4FIN}
}

// ParseAssuranceLevel validates a level string. "L4" is read as L4KYC.
func ParseAssuranceLevel(s string) (AssuranceLevel, error) {
	if s == "L4" {
		return AssuranceL4KYC, nil
	}
	l := AssuranceLevel(s)
	if _, ok := assuranceRank[l]; !ok {
		return "", fmt.Errorf("unknown assurance level %q", s)
	}
	return l, nil
}

// Valid reports whether the level is on the known scale
func (l AssuranceLevel) Valid() bool {
	_, ok := assuranceRank[l]
	return ok
}

// Rank returns the position of the level on the scale, or -1 when unknown
func (l AssuranceLevel) Rank() int {
	if r, ok := assuranceRank[l]; ok {
		return r
	}
	return -1
}

// Satisfies reports whether l meets the required level.
// L4KYC and L4FIN are distinct top-tier tracks: both satisfy anything up to L3,
// but neither satisfies a requirement for the other.
func (l AssuranceLevel) Satisfies(required AssuranceLevel) bool {
	if required == "" {
		return true
	}
	have, need := l.Rank(), required.Rank()
	if have < 0 || need < 0 {
		return false
	}
	if l == required {
		return true
	}
	return have > need
}
