// Package snapshot implements the self-describing, versioned state
// capture format "magic(8) | version(4) |
// config_hash(32) | section_count(4) | [section_header + payload]*".
// It is grounded on gokvm's migration package: Snapshot/VCPUState
// generalize migration/state.go's per-vCPU/VM-level capture (raw byte
// slices for binary KVM structs, preserving exact layout) to this
// core's arch-agnostic interp.State, and the section framing follows
// migration/transport.go's length-prefixed wire format.
//
// Code-cache contents are never part of a Snapshot: a restored Vm
// regenerates compiled tiers from cold, the same as any process-start
// cache miss.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Magic identifies the blob format; Version is bumped for any field
// add/remove.
var Magic = [8]byte{'x', 'v', 'm', 's', 'n', 'a', 'p', '1'}

const CurrentVersion uint32 = 1

// SectionKind tags a Snapshot section.
type SectionKind uint8

const (
	SectionConfig SectionKind = iota
	SectionVcpu
	SectionMem
	SectionDevice
)

func (k SectionKind) String() string {
	switch k {
	case SectionConfig:
		return "CONFIG"
	case SectionVcpu:
		return "VCPU"
	case SectionMem:
		return "MEM"
	case SectionDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// VcpuState is the complete architectural state of one vCPU context.
//
// Unlike gokvm's VCPUState (raw KVM struct bytes, because gokvm
// only ever runs under a single concrete accelerator), this
// carries interp.State's fields directly: the software path is always
// available, so there is always a well-typed form to serialize.
type VcpuState struct {
	Index int
	PC    uint64
	Regs  [32]uint64
	FRegs [32]uint64
	CSR   map[int64]uint64
}

// MemSection is the guest RAM capture. Compressed is carried through
// Serialize/Deserialize as a flag only: this package neither compresses
// nor decompresses Data, and vm.Vm.Snapshot always stores it raw.
type MemSection struct {
	Compressed bool
	Data       []byte
}

// DeviceSection is one opaque, device-specific blob. The core never
// interprets Blob; only the device that produced it can.
type DeviceSection struct {
	Name string
	Blob []byte
}

// Snapshot is the complete capture handed to Serialize. Config is
// already-encoded bytes (the embedder's own config representation);
// snapshot only hashes it, never parses it, to avoid an import cycle
// back into the vm package.
type Snapshot struct {
	Config  []byte
	Vcpus   []VcpuState
	Mem     MemSection
	Devices []DeviceSection
}

// Serialize writes snap to w in the  wire format.
func Serialize(w io.Writer, snap *Snapshot) error {
	hash := sha256.Sum256(snap.Config)

	sections := buildSections(snap)

	header := make([]byte, 0, 8+4+32+4)
	header = append(header, Magic[:]...)
	header = appendU32(header, CurrentVersion)
	header = append(header, hash[:]...)
	header = appendU32(header, uint32(len(sections)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}

	for _, s := range sections {
		if err := writeSection(w, s); err != nil {
			return err
		}
	}

	return nil
}

type rawSection struct {
	kind    SectionKind
	index   uint32
	name    string
	payload []byte
}

func buildSections(snap *Snapshot) []rawSection {
	sections := []rawSection{{kind: SectionConfig, payload: snap.Config}}

	for _, v := range snap.Vcpus {
		sections = append(sections, rawSection{kind: SectionVcpu, index: uint32(v.Index), payload: gobEncode(v)})
	}

	sections = append(sections, rawSection{kind: SectionMem, payload: gobEncode(snap.Mem)})

	for _, d := range snap.Devices {
		sections = append(sections, rawSection{kind: SectionDevice, name: d.Name, payload: d.Blob})
	}

	return sections
}

func writeSection(w io.Writer, s rawSection) error {
	nameBytes := []byte(s.name)

	hdr := make([]byte, 0, 1+4+2+len(nameBytes)+8)
	hdr = append(hdr, byte(s.kind))
	hdr = appendU32(hdr, s.index)
	hdr = appendU16(hdr, uint16(len(nameBytes)))
	hdr = append(hdr, nameBytes...)
	hdr = appendU64(hdr, uint64(len(s.payload)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("snapshot: write %s section header: %w", s.kind, err)
	}

	if len(s.payload) > 0 {
		if _, err := w.Write(s.payload); err != nil {
			return fmt.Errorf("snapshot: write %s section payload: %w", s.kind, err)
		}
	}

	return nil
}

// Deserialize reads a Snapshot written by Serialize, verifying the
// magic and version before trusting any section.
func Deserialize(r io.Reader) (*Snapshot, error) {
	header := make([]byte, 8+4+32+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("snapshot: read header: %w", err)
	}

	if !bytes.Equal(header[0:8], Magic[:]) {
		return nil, fmt.Errorf("%w: got %x", ErrBadMagic, header[0:8])
	}

	version := binary.BigEndian.Uint32(header[8:12])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, CurrentVersion)
	}

	configHash := header[12:44]
	count := binary.BigEndian.Uint32(header[44:48])

	snap := &Snapshot{}

	for i := uint32(0); i < count; i++ {
		s, err := readSection(r)
		if err != nil {
			return nil, err
		}

		if err := applySection(snap, s); err != nil {
			return nil, err
		}
	}

	if got := sha256.Sum256(snap.Config); !bytes.Equal(got[:], configHash) {
		return nil, ErrConfigHashMismatch
	}

	return snap, nil
}

func readSection(r io.Reader) (rawSection, error) {
	fixed := make([]byte, 1+4+2)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return rawSection{}, fmt.Errorf("snapshot: read section header: %w", err)
	}

	kind := SectionKind(fixed[0])
	index := binary.BigEndian.Uint32(fixed[1:5])
	nameLen := binary.BigEndian.Uint16(fixed[5:7])

	name := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := io.ReadFull(r, name); err != nil {
			return rawSection{}, fmt.Errorf("snapshot: read section name: %w", err)
		}
	}

	lenBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return rawSection{}, fmt.Errorf("snapshot: read section length: %w", err)
	}

	length := binary.BigEndian.Uint64(lenBuf)

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return rawSection{}, fmt.Errorf("snapshot: read %s section payload: %w", kind, err)
		}
	}

	return rawSection{kind: kind, index: index, name: string(name), payload: payload}, nil
}

func applySection(snap *Snapshot, s rawSection) error {
	switch s.kind {
	case SectionConfig:
		snap.Config = s.payload
	case SectionVcpu:
		var v VcpuState
		if err := gobDecode(s.payload, &v); err != nil {
			return fmt.Errorf("snapshot: decode vcpu %d: %w", s.index, err)
		}

		snap.Vcpus = append(snap.Vcpus, v)
	case SectionMem:
		if err := gobDecode(s.payload, &snap.Mem); err != nil {
			return fmt.Errorf("snapshot: decode mem section: %w", err)
		}
	case SectionDevice:
		snap.Devices = append(snap.Devices, DeviceSection{Name: s.name, Blob: s.payload})
	default:
		return fmt.Errorf("%w: %d", ErrUnknownSection, s.kind)
	}

	return nil
}

func gobEncode(v any) []byte {
	var buf bytes.Buffer

	// gob.Encode on these fixed, already-validated internal types never
	// fails; panicking here would indicate a programming error (an
	// unencodable field added to VcpuState/MemSection), not bad input.
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("snapshot: gob encode: %v", err))
	}

	return buf.Bytes()
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte

	binary.BigEndian.PutUint16(tmp[:], v)

	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], v)

	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], v)

	return append(b, tmp[:]...)
}
