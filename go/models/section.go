package models

// Section is one row of a section/segment table. PE sections, ELF section
// headers and Mach-O sections (or bare segments) all normalize to this.
type Section struct {
	Name   string `json:"name"`
	Kind   string `json:"type"`
	Addr   uint64 `json:"address"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Flags  string `json:"flags"`

	// MemSize is the in-memory extent when it differs from Size. Address
	// translation uses the larger of the two.
	MemSize uint64 `json:"-"`
}

func (s *Section) span() Span {
	size := s.Size
	if s.MemSize > size {
		size = s.MemSize
	}
	return Span{Addr: s.Addr, Size: size, Offset: s.Offset}
}

// Span maps a range of virtual addresses onto file offsets.
type Span struct {
	Addr, Size uint64
	Offset     uint64
}

func (s Span) ContainsVirt(addr uint64) bool {
	return s.Size > 0 && s.Addr <= addr && addr-s.Addr < s.Size
}

func (s Span) ContainsPhys(off uint64) bool {
	return s.Size > 0 && s.Offset <= off && off-s.Offset < s.Size
}

// SpanIndex is an ordered list of spans. Lookups are linear and the
// lowest-indexed match wins, so overlapping spans resolve deterministically.
type SpanIndex []Span

// NewSpanIndex builds an index from sections, skipping ones flagged by skip.
func NewSpanIndex(sections []Section, skip func(*Section) bool) SpanIndex {
	idx := make(SpanIndex, 0, len(sections))
	for i := range sections {
		s := &sections[i]
		if skip != nil && skip(s) {
			continue
		}
		if sp := s.span(); sp.Size > 0 {
			idx = append(idx, sp)
		}
	}
	return idx
}

// Offset translates a virtual (or relative virtual) address to a file offset.
// The second return is false when no span contains addr.
func (idx SpanIndex) Offset(addr uint64) (uint64, bool) {
	for _, s := range idx {
		if s.ContainsVirt(addr) {
			return s.Offset + (addr - s.Addr), true
		}
	}
	return 0, false
}

// Addr is the inverse of Offset.
func (idx SpanIndex) Addr(off uint64) (uint64, bool) {
	for _, s := range idx {
		if s.ContainsPhys(off) {
			return s.Addr + (off - s.Offset), true
		}
	}
	return 0, false
}
