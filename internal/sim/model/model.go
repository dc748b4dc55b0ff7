package model

import "fmt"

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// DistSq is the squared euclidean distance between a and b.
func DistSq(a, b Vec3i) int64 {
	dx := int64(a.X - b.X)
	dy := int64(a.Y - b.Y)
	dz := int64(a.Z - b.Z)
	return dx*dx + dy*dy + dz*dz
}

// WorldID identifies one loaded world partition (a map). Stable for the
// partition's lifetime.
type WorldID int

// Category is a work category such as "HAUL" or "CONSTRUCT".
type Category string

type Agent struct {
	ID      string
	WorldID WorldID
	Pos     Vec3i
	Faction string
}

// CandidateKind tags what a Candidate refers to. It is fixed when the world
// index enumerates the candidate.
type CandidateKind uint8

const (
	KindOther CandidateKind = iota
	KindItem
	KindSite
	KindPatient
	KindPlant
	KindCell
)

var kindNames = [...]string{
	KindOther:   "OTHER",
	KindItem:    "ITEM",
	KindSite:    "SITE",
	KindPatient: "PATIENT",
	KindPlant:   "PLANT",
	KindCell:    "CELL",
}

func (k CandidateKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND_%d", k)
}

// ParseCandidateKind is the inverse of CandidateKind.String.
func ParseCandidateKind(s string) (CandidateKind, bool) {
	for i, n := range kindNames {
		if n == s {
			return CandidateKind(i), true
		}
	}
	return KindOther, false
}

// Candidate is a snapshot of a world object or cell eligible for some work
// category. It is never the source of truth: the object may be gone by the
// time a cached Candidate is looked at.
type Candidate struct {
	ID      string
	Kind    CandidateKind
	WorldID WorldID
	Pos     Vec3i
}
