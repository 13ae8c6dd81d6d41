package models

// Segment is a half-open [Start, End) guest address range with the
// protections it should be mapped with.
type Segment struct {
	Start, End uint64
	Prot       int
}

func (s *Segment) Overlaps(o *Segment) bool {
	return (s.Start >= o.Start && s.Start < o.End) || (o.Start >= s.Start && o.Start < s.End)
}

func (s *Segment) Merge(o *Segment) {
	if s.Start > o.Start {
		s.Start = o.Start
	}
	if s.End < o.End {
		s.End = o.End
	}
	s.Prot |= o.Prot
}
