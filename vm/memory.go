package vm

const (
	// AddressSpace is the size of the puzzle VM's byte-addressable memory
	// (1 GiB, per spec). Implementations must not allocate this eagerly.
	AddressSpace = 1 << 30
	pageSize     = 4096
	pageMask     = pageSize - 1
	pageShift    = 12
)

// Memory is a sparse, page-backed view of the VM's 1 GiB address space.
// Pages are allocated lazily on first write; reads of untouched pages
// return zero, matching the spec's "memory reads of untouched regions
// return zero" requirement without ever allocating the full space.
type Memory struct {
	pages map[uint32][]byte
}

// NewMemory returns an empty sparse memory.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint32][]byte)}
}

// inBounds reports whether the half-open byte range [addr, addr+length)
// lies entirely within the address space.
func inBounds(addr, length uint64) bool {
	if length == 0 {
		return addr <= AddressSpace
	}
	end := addr + length
	return end >= addr && end <= AddressSpace
}

func (m *Memory) page(pageNum uint32, alloc bool) []byte {
	p, ok := m.pages[pageNum]
	if !ok {
		if !alloc {
			return nil
		}
		p = make([]byte, pageSize)
		m.pages[pageNum] = p
	}
	return p
}

// ReadWord reads the 32-byte big-endian word at addr. addr need not be
// page- or word-aligned; byte-addressable reads are supported per the
// spec's resolved Open Question on LOAD/STORE alignment.
func (m *Memory) ReadWord(addr uint64) ([32]byte, bool) {
	var out [32]byte
	if !inBounds(addr, 32) {
		return out, false
	}
	for i := 0; i < 32; i++ {
		out[i] = m.readByte(addr + uint64(i))
	}
	return out, true
}

// WriteWord writes the 32-byte big-endian word at addr.
func (m *Memory) WriteWord(addr uint64, word [32]byte) bool {
	if !inBounds(addr, 32) {
		return false
	}
	for i := 0; i < 32; i++ {
		m.writeByte(addr+uint64(i), word[i])
	}
	return true
}

// ReadRange copies length bytes starting at addr, used by HASH. Returns
// false if the range is out of bounds.
func (m *Memory) ReadRange(addr, length uint64) ([]byte, bool) {
	if !inBounds(addr, length) {
		return nil, false
	}
	out := make([]byte, length)
	for i := uint64(0); i < length; i++ {
		out[i] = m.readByte(addr + i)
	}
	return out, true
}

func (m *Memory) readByte(addr uint64) byte {
	pageNum := uint32(addr >> pageShift)
	p := m.page(pageNum, false)
	if p == nil {
		return 0
	}
	return p[addr&pageMask]
}

func (m *Memory) writeByte(addr uint64, b byte) {
	pageNum := uint32(addr >> pageShift)
	p := m.page(pageNum, true)
	p[addr&pageMask] = b
}

// PagesTouched returns the number of distinct pages allocated so far, a
// cheap diagnostic for tests asserting the sparse-allocation invariant.
func (m *Memory) PagesTouched() int {
	return len(m.pages)
}
