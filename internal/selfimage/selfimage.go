// Package selfimage implements ImageReader: it opens a SELF container
// (an encrypted wrapper around an embedded ELF64), validates the SELF magic,
// reads the SELF segment table, the embedded ELF64 header and program
// headers, and loads plaintext block segments by mapping a program-header
// index to the SELF segment that backs it.
//
// The SELF format and its segment-table layout follow
// original_source/packages/plugin/source/elf.c (parse_pt_dynamic); this
// package covers the same ground as that function, generalized into
// separately callable steps (Open / PhdrIndexOf / LoadSegment / Close).
package selfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/tripwire/traceagent/internal/traceerr"
)

// selfMagic is the fixed 8-byte SELF container magic.
var selfMagic = [8]byte{0x4F, 0x15, 0x3D, 0x1D, 0x00, 0x01, 0x01, 0x12}

// PTSceDynlibData is the platform program-header type that backs the dynamic
// linking data segment (strtab/symtab/rela tables), in addition to the
// standard SysV PT_DYNAMIC.
const PTSceDynlibData elf.ProgType = 0x61000000

// selfSegmentFlagBlock marks a SELF segment entry as a plaintext block
// segment (as opposed to a signature or other non-block entry).
const selfSegmentFlagBlock uint64 = 0x800

// selfHeaderSize is the fixed, on-disk size of the SELF header.
const selfHeaderSize = 32

// selfSegmentSize is the fixed, on-disk size of one SELF segment table entry.
const selfSegmentSize = 32

// selfHeader is the 32-byte SELF container header.
type selfHeader struct {
	Magic [8]byte
	Category uint8
	ProgramType uint8
	Padding uint16
	HeaderSize uint16
	SignatureSize uint16
	FileSize uint32
	Padding2 uint32
	SegmentsCount uint16
	Padding3 [3]uint16
}

// selfSegment is one 32-byte SELF segment table entry.
type selfSegment struct {
	Flags uint64
	Offset uint64
	EncryptedCompressedSize uint64
	DecryptedDecompressedSize uint64
}

// programHeaderID returns the phdr index this segment entry maps to, per the
// (flags >> 20) & 0xFFF encoding used by the SELF format.
func (s selfSegment) programHeaderID() uint32 {
	return uint32(s.Flags>>20) & 0xFFF
}

func (s selfSegment) isBlock() bool {
	return s.Flags&selfSegmentFlagBlock != 0
}

// Handle is an open SELF image: the parsed SELF segment table, the embedded
// ELF64 header and program headers, and the file offset at which the
// embedded ELF begins.
type Handle struct {
	f *os.File
	selfSegments []selfSegment
	elfHeader elf.Header64
	phdrs []elf.Prog64
	elfStartOff int64
}

// Open opens path, validates the SELF magic, reads the SELF segment table,
// and reads the embedded ELF64 header and program headers.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("open %q: %w", path, err))
	}

	h, err := open(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

func open(f *os.File) (*Handle, error) {
	var hdr selfHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("read SELF header: %w", err))
	}
	if hdr.Magic != selfMagic {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("bad SELF magic %x", hdr.Magic))
	}

	segs := make([]selfSegment, hdr.SegmentsCount)
	if err := binary.Read(f, binary.LittleEndian, &segs); err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("read SELF segment table: %w", err))
	}

	elfStartOff, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("tell offset after segment table: %w", err))
	}

	var ehdr elf.Header64
	if err := binary.Read(f, binary.LittleEndian, &ehdr); err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("read ELF header: %w", err))
	}
	if !bytes.Equal(ehdr.Ident[:4], []byte(elf.ELFMAG)) {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("bad embedded ELF magic"))
	}

	if _, err := f.Seek(elfStartOff+int64(ehdr.Phoff), io.SeekStart); err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("seek program headers: %w", err))
	}
	phdrs := make([]elf.Prog64, ehdr.Phnum)
	if err := binary.Read(f, binary.LittleEndian, &phdrs); err != nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.Open", fmt.Errorf("read program headers: %w", err))
	}

	return &Handle{
		f: f,
		selfSegments: segs,
		elfHeader: ehdr,
		phdrs: phdrs,
		elfStartOff: elfStartOff,
	}, nil
}

// Close releases the underlying file handle.
func (h *Handle) Close() error {
	return h.f.Close()
}

// PhdrIndexOf returns the index of the first program header whose p_type
// equals typ, or -1 if none matches.
func (h *Handle) PhdrIndexOf(typ elf.ProgType) int {
	for i, p := range h.phdrs {
		if elf.ProgType(p.Type) == typ {
			return i
		}
	}
	return -1
}

// ProgramHeader returns a copy of the program header at phdrIndex.
func (h *Handle) ProgramHeader(phdrIndex int) elf.Prog64 {
	return h.phdrs[phdrIndex]
}

// LoadSegment locates the SELF segment whose block flag is set and whose
// program-header id equals phdrIndex, seeks to that segment's file offset,
// and reads p_filesz bytes (the plaintext size of the segment as described
// by the embedded program header, per the design — the core never decrypts
// or decompresses, it only reads the block bytes at face value).
func (h *Handle) LoadSegment(phdrIndex int) ([]byte, error) {
	if phdrIndex < 0 || phdrIndex >= len(h.phdrs) {
		return nil, traceerr.New(traceerr.Image, "selfimage.LoadSegment", fmt.Errorf("phdr index %d out of range", phdrIndex))
	}

	var seg *selfSegment
	for i := range h.selfSegments {
		s := &h.selfSegments[i]
		if s.isBlock() && s.programHeaderID() == uint32(phdrIndex) {
			seg = s
			break
		}
	}
	if seg == nil {
		return nil, traceerr.New(traceerr.Image, "selfimage.LoadSegment", fmt.Errorf("no SELF block segment maps to phdr %d", phdrIndex))
	}

	size := h.phdrs[phdrIndex].Filesz
	buf := make([]byte, size)
	n, err := h.f.ReadAt(buf, int64(seg.Offset))
	if err != nil && err != io.EOF {
		return nil, traceerr.New(traceerr.Image, "selfimage.LoadSegment", fmt.Errorf("read segment data: %w", err))
	}
	if uint64(n) != size {
		return nil, traceerr.New(traceerr.Image, "selfimage.LoadSegment", fmt.Errorf("short read: got %d bytes, want %d", n, size))
	}

	return buf, nil
}
