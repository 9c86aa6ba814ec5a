package interp

// execCPUID answers OpCPUID from a small synthetic leaf table instead
// of gokvm cpuid package's real cpuid instruction (cpuid.CPUID,
// backed by a cpuid_low asm stub): the interpreter is the semantic
// oracle every JIT tier and every host machine must agree with, so a
// guest's view of CPUID has to be host-independent. The x86-64 decoder
// emits OpCPUID with no explicit operands since the real instruction
// reads/writes the fixed EAX/EBX/ECX/EDX registers implicitly; this
// follows the same convention via decoder/x86's gpr() slot numbering
// (EAX=0, ECX=1, EDX=2, EBX=3).
const (
	regEAX = 0
	regECX = 1
	regEDX = 2
	regEBX = 3
)

type cpuidLeaf struct {
	eax, ebx, ecx, edx uint32
}

// cpuidTable holds the handful of leaves a guest typically probes at
// boot (vendor string, feature bits, highest leaf); anything else
// reads back as zero, which is architecturally valid for a reserved
// leaf.
var cpuidTable = map[uint32]cpuidLeaf{
	0x0: {eax: 0x1, ebx: 0x756e6547, ecx: 0x6c65746e, edx: 0x49656e69}, // "GenuineIntel" layout, max leaf 1
	0x1: {eax: 0x000306C3, ebx: 0, ecx: 0, edx: 1 << 9},                // edx bit 9: APIC present; minimal feature set
}

func execCPUID(st *State) {
	leaf := uint32(st.Regs[regEAX])

	row, ok := cpuidTable[leaf]
	if !ok {
		row = cpuidLeaf{}
	}

	st.Regs[regEAX] = uint64(row.eax)
	st.Regs[regEBX] = uint64(row.ebx)
	st.Regs[regECX] = uint64(row.ecx)
	st.Regs[regEDX] = uint64(row.edx)
}
