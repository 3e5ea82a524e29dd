package loader

import (
	"encoding/binary"
)

// image is a mutable byte buffer for building test binaries by offset.
type image struct {
	buf   []byte
	order binary.ByteOrder
}

func newImage(size int, order binary.ByteOrder) *image {
	return &image{buf: make([]byte, size), order: order}
}

func (m *image) u16(off int, v uint16) {
	m.order.PutUint16(m.buf[off:], v)
}

func (m *image) u32(off int, v uint32) {
	m.order.PutUint32(m.buf[off:], v)
}

func (m *image) u64(off int, v uint64) {
	m.order.PutUint64(m.buf[off:], v)
}

func (m *image) str(off int, s string) {
	copy(m.buf[off:], s)
	m.buf[off+len(s)] = 0
}

func (m *image) bytes() []byte {
	return append([]byte(nil), m.buf...)
}

// PE fixture: one .text section mapping RVA 0x1000-0x1400 onto file
// offsets 0x200-0x600.
const (
	peFixLfanew = 0x40
	peFixCOFF   = peFixLfanew + 4
	peFixOpt    = peFixCOFF + 20
	peFixText   = 0x1000
	peFixRaw    = 0x200
)

func peRVA(rva int) int { return rva - peFixText + peFixRaw }

func peOptSize(is64 bool) int {
	if is64 {
		return 0xf0
	}
	return 0xe0
}

func newPE(is64 bool) *image {
	m := newImage(0x600, binary.LittleEndian)
	m.str(0, "MZ")
	m.u32(0x3c, peFixLfanew)
	m.str(peFixLfanew, "PE")

	// COFF file header
	if is64 {
		m.u16(peFixCOFF, 0x8664)
		m.u16(peFixCOFF+18, 0x0022)
	} else {
		m.u16(peFixCOFF, 0x14c)
		m.u16(peFixCOFF+18, 0x0102)
	}
	m.u16(peFixCOFF+2, 1)
	m.u16(peFixCOFF+16, uint16(peOptSize(is64)))

	// optional header
	if is64 {
		m.u16(peFixOpt, 0x20b)
		m.u64(peFixOpt+24, 0x140000000)
		m.u32(peFixOpt+108, 16)
	} else {
		m.u16(peFixOpt, 0x10b)
		m.u32(peFixOpt+28, 0x400000)
		m.u32(peFixOpt+92, 16)
	}
	m.u32(peFixOpt+16, 0x1000)
	m.u16(peFixOpt+68, 3)

	sect := peFixOpt + peOptSize(is64)
	m.str(sect, ".text")
	m.u32(sect+8, 0x400)
	m.u32(sect+12, peFixText)
	m.u32(sect+16, 0x400)
	m.u32(sect+20, peFixRaw)
	m.u32(sect+36, 0x60000020)
	return m
}

func peSetDir(m *image, is64 bool, i int, rva, size uint32) {
	base := peFixOpt + 96
	if is64 {
		base = peFixOpt + 112
	}
	m.u32(base+i*8, rva)
	m.u32(base+i*8+4, size)
}

// ELF64 little-endian fixture pieces, shared by the section-driven and
// program-header-driven dynamic tests.
const (
	elfFixDynstr  = 0x100
	elfFixDynsym  = 0x120
	elfFixDynamic = 0x160
	elfFixBase    = 0x400000
)

func newElf64(size int) *image {
	m := newImage(size, binary.LittleEndian)
	copy(m.buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	m.u16(16, 2)  // ET_EXEC
	m.u16(18, 62) // EM_X86_64
	m.u32(20, 1)
	m.u64(24, 0x401000)
	m.u16(52, 64)
	m.u16(54, 56)
	m.u16(58, 64)

	m.str(elfFixDynstr, "")
	m.str(elfFixDynstr+1, "libc.so.6")
	m.str(elfFixDynstr+11, "puts")

	// dynsym[1]: GLOBAL FUNC, undefined
	m.u32(elfFixDynsym+24, 11)
	m.buf[elfFixDynsym+24+4] = 0x12
	return m
}

func elfSectionHeader(m *image, off int, name, typ uint32, addr, fileOff, size uint64, link uint32, entsize uint64) {
	m.u32(off, name)
	m.u32(off+4, typ)
	m.u64(off+16, addr)
	m.u64(off+24, fileOff)
	m.u64(off+32, size)
	m.u32(off+40, link)
	m.u64(off+56, entsize)
}

func elfProgramHeader(m *image, off int, typ uint32, fileOff, vaddr, filesz, memsz uint64) {
	m.u32(off, typ)
	m.u64(off+8, fileOff)
	m.u64(off+16, vaddr)
	m.u64(off+32, filesz)
	m.u64(off+40, memsz)
}

// elfWithSections describes its dynamic data through section headers only.
func elfWithSections() []byte {
	m := newElf64(0x340)
	m.u64(elfFixDynamic, 1) // DT_NEEDED
	m.u64(elfFixDynamic+8, 1)

	m.str(0x180, "")
	m.str(0x181, ".dynstr")
	m.str(0x189, ".dynsym")
	m.str(0x191, ".dynamic")
	m.str(0x19a, ".shstrtab")

	const shoff = 0x200
	m.u64(40, shoff)
	m.u16(60, 5)
	m.u16(62, 4)
	elfSectionHeader(m, shoff+64, 1, 3, 0, elfFixDynstr, 16, 0, 0)
	elfSectionHeader(m, shoff+128, 9, 11, 0, elfFixDynsym, 48, 1, 24)
	elfSectionHeader(m, shoff+192, 17, 6, 0, elfFixDynamic, 32, 1, 16)
	elfSectionHeader(m, shoff+256, 26, 3, 0, 0x180, 36, 0, 0)
	return m.bytes()
}

// elfWithProgramsOnly has e_shnum == 0; everything is found through
// PT_DYNAMIC and the dynamic tags.
func elfWithProgramsOnly() []byte {
	m := newElf64(0x300)
	m.u64(32, 64)
	m.u16(56, 3)
	elfProgramHeader(m, 64, 1, 0, elfFixBase, 0x300, 0x300)
	elfProgramHeader(m, 64+56, 2, elfFixDynamic, elfFixBase+elfFixDynamic, 0x60, 0x60)
	elfProgramHeader(m, 64+112, 3, 0x280, elfFixBase+0x280, 28, 28)

	tags := [][2]uint64{
		{1, 1},                         // DT_NEEDED
		{5, elfFixBase + elfFixDynstr}, // DT_STRTAB
		{6, elfFixBase + elfFixDynsym}, // DT_SYMTAB
		{11, 24},                       // DT_SYMENT
		{4, elfFixBase + 0x200},        // DT_HASH
		{0, 0},                         // DT_NULL
	}
	for i, tag := range tags {
		m.u64(elfFixDynamic+i*16, tag[0])
		m.u64(elfFixDynamic+i*16+8, tag[1])
	}
	m.u32(0x200, 1)
	m.u32(0x204, 2)
	m.str(0x280, "/lib64/ld-linux-x86-64.so.2")
	return m.bytes()
}

func elf32SectionHeader(m *image, off int, name, typ, fileOff, size, link, entsize uint32) {
	m.u32(off, name)
	m.u32(off+4, typ)
	m.u32(off+16, fileOff)
	m.u32(off+20, size)
	m.u32(off+24, link)
	m.u32(off+36, entsize)
}

// elf32WithSymbols is an ELF32 little-endian executable with 16-byte
// DYNSYM and SYMTAB entries and an 8-byte dynamic table.
func elf32WithSymbols() []byte {
	m := newImage(0x300, binary.LittleEndian)
	copy(m.buf, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	m.u16(16, 2) // ET_EXEC
	m.u16(18, 3) // EM_386
	m.u32(20, 1)
	m.u32(24, 0x8048400)
	m.u32(32, 0x200)
	m.u16(40, 52)
	m.u16(46, 40)
	m.u16(48, 6)
	m.u16(50, 4)

	m.str(0x101, "libc.so.6")
	m.str(0x10b, "puts")
	m.str(0x110, "main")
	m.str(0x115, "counter")

	// dynsym[1] puts: GLOBAL FUNC, undefined
	m.u32(0x130, 11)
	m.buf[0x13c] = 0x12
	// dynsym[2] main: GLOBAL FUNC, defined
	m.u32(0x140, 16)
	m.u32(0x144, 0x8048400)
	m.u32(0x148, 0x20)
	m.buf[0x14c] = 0x12
	m.u16(0x14e, 1)

	m.u32(0x160, 1) // DT_NEEDED
	m.u32(0x164, 1)

	m.str(0x181, ".dynstr")
	m.str(0x189, ".dynsym")
	m.str(0x191, ".dynamic")
	m.str(0x19a, ".shstrtab")
	m.str(0x1a4, ".symtab")

	// symtab[1] counter: LOCAL OBJECT
	m.u32(0x1d0, 21)
	m.u32(0x1d4, 0x8049000)
	m.u32(0x1d8, 4)
	m.buf[0x1dc] = 0x01
	m.u16(0x1de, 2)

	const shoff = 0x200
	elf32SectionHeader(m, shoff+40, 1, 3, 0x100, 29, 0, 0)
	elf32SectionHeader(m, shoff+80, 9, 11, 0x120, 48, 1, 16)
	elf32SectionHeader(m, shoff+120, 17, 6, 0x160, 16, 1, 8)
	elf32SectionHeader(m, shoff+160, 26, 3, 0x180, 44, 0, 0)
	elf32SectionHeader(m, shoff+200, 36, 2, 0x1c0, 32, 1, 16)
	return m.bytes()
}

// Mach-O 64-bit little-endian executable with one __TEXT section, LC_MAIN,
// one dylib and a symbol table holding a stab, a defined and an undefined
// symbol.
const (
	machoFixMain   = 184
	machoFixSymoff = 0x200
	machoFixStroff = 0x300
)

func newMachO64() *image {
	m := newImage(0x400, binary.LittleEndian)
	m.u32(0, 0xfeedfacf)
	m.u32(4, 0x01000007)
	m.u32(8, 3)
	m.u32(12, 2)
	m.u32(16, 4)
	m.u32(20, 256)
	m.u32(24, 0x00200085)

	// LC_SEGMENT_64 __TEXT
	off := 32
	m.u32(off, 0x19)
	m.u32(off+4, 152)
	m.str(off+8, "__TEXT")
	m.u64(off+24, 0x100000000)
	m.u64(off+32, 0x1000)
	m.u64(off+48, 0x1000)
	m.u32(off+56, 7)
	m.u32(off+60, 5)
	m.u32(off+64, 1)
	sect := off + 72
	m.str(sect, "__text")
	m.str(sect+16, "__TEXT")
	m.u64(sect+32, 0x100000f00)
	m.u64(sect+40, 0x20)
	m.u32(sect+48, 0xf00)
	m.u32(sect+64, 0x80000400)

	// LC_MAIN
	off = machoFixMain
	m.u32(off, 0x80000028)
	m.u32(off+4, 24)
	m.u64(off+8, 0xf00)

	// LC_LOAD_DYLIB
	off = 208
	m.u32(off, 0xc)
	m.u32(off+4, 56)
	m.u32(off+8, 24)
	m.str(off+24, "/usr/lib/libSystem.B.dylib")

	// LC_SYMTAB
	off = 264
	m.u32(off, 0x2)
	m.u32(off+4, 24)
	m.u32(off+8, machoFixSymoff)
	m.u32(off+12, 3)
	m.u32(off+16, machoFixStroff)
	m.u32(off+20, 20)

	m.u32(machoFixSymoff, 1)
	m.buf[machoFixSymoff+4] = 0x24 // N_FUN
	m.u32(machoFixSymoff+16, 6)
	m.buf[machoFixSymoff+16+4] = 0x0f
	m.buf[machoFixSymoff+16+5] = 1
	m.u64(machoFixSymoff+16+8, 0x100000f00)
	m.u32(machoFixSymoff+32, 12)
	m.buf[machoFixSymoff+32+4] = 0x01

	m.str(machoFixStroff+1, "stab")
	m.str(machoFixStroff+6, "_main")
	m.str(machoFixStroff+12, "_printf")
	return m
}

// newMachO32 is a 32-bit little-endian x86 executable with one __TEXT
// section, a symbol table of 12-byte nlists and an LC_UNIXTHREAD entry.
func newMachO32() *image {
	m := newImage(0x200, binary.LittleEndian)
	m.u32(0, 0xfeedface)
	m.u32(4, 7)
	m.u32(8, 3)
	m.u32(12, 2)
	m.u32(16, 3)
	m.u32(20, 228)

	// LC_SEGMENT __TEXT
	off := 28
	m.u32(off, 0x1)
	m.u32(off+4, 124)
	m.str(off+8, "__TEXT")
	m.u32(off+24, 0x1000)
	m.u32(off+28, 0x1000)
	m.u32(off+36, 0x200)
	m.u32(off+40, 7)
	m.u32(off+44, 5)
	m.u32(off+48, 1)
	sect := off + 56
	m.str(sect, "__text")
	m.str(sect+16, "__TEXT")
	m.u32(sect+32, 0x1100)
	m.u32(sect+36, 0x20)
	m.u32(sect+40, 0x100)
	m.u32(sect+56, 0x80000400)

	// LC_SYMTAB
	off = 152
	m.u32(off, 0x2)
	m.u32(off+4, 24)
	m.u32(off+8, 0x180)
	m.u32(off+12, 2)
	m.u32(off+16, 0x1a0)
	m.u32(off+20, 16)

	// LC_UNIXTHREAD, i386_THREAD_STATE with eip at +56
	off = 176
	m.u32(off, 0x5)
	m.u32(off+4, 80)
	m.u32(off+8, 1)
	m.u32(off+12, 16)
	m.u32(off+56, 0x1100)

	m.u32(0x180, 1)
	m.buf[0x184] = 0x0f
	m.buf[0x185] = 1
	m.u32(0x188, 0x1100)
	m.u32(0x18c, 7)
	m.buf[0x190] = 0x01

	m.str(0x1a1, "_main")
	m.str(0x1a7, "_puts")
	return m
}

// newFat wraps slices in a big-endian fat header, one page per slice.
func newFat(cpus []uint32, slices ...[]byte) []byte {
	size := 0x1000
	for _, s := range slices {
		size += (len(s) + 0xfff) &^ 0xfff
	}
	m := newImage(size, binary.BigEndian)
	m.u32(0, 0xcafebabe)
	m.u32(4, uint32(len(slices)))
	off := 0x1000
	for i, s := range slices {
		arch := 8 + i*20
		m.u32(arch, cpus[i])
		m.u32(arch+8, uint32(off))
		m.u32(arch+12, uint32(len(s)))
		m.u32(arch+16, 12)
		copy(m.buf[off:], s)
		off += (len(s) + 0xfff) &^ 0xfff
	}
	return m.bytes()
}
