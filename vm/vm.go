// Package vm implements the puzzle virtual machine: a deterministic,
// side-effect-free, eight-register interpreter over a sparse 1 GiB byte
// address space. Execution of a puzzle program yields the decryption key
// half k2, or a fault.
package vm

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// DefaultCycleBudget is the policy default cycle cap (2^20).
const DefaultCycleBudget = 1 << 20

const numRegisters = 8

// Result is the terminal outcome of a single Execute call.
type Result struct {
	Status     Status
	Fault      FaultKind
	Output     [32]byte // k2 = keccak256(R0 .. R7), valid only when Status == Halted
	CyclesUsed uint64
	Trace      []TraceEntry // populated only when tracing is enabled
}

// TraceEntry records one executed instruction, for puzzle debugging only;
// it is never part of the deterministic output contract.
type TraceEntry struct {
	PC uint64
	Op OpCode
}

// state is the mutable machine state threaded through the interpreter loop.
type state struct {
	regs       [numRegisters]uint256.Int
	mem        *Memory
	pc         uint64
	budget     uint64
	cyclesLeft uint64
	trace      bool
	traceLog   []TraceEntry
}

// Execute runs program deterministically with the given cycle budget and
// returns its terminal Result. Two calls with the same program and budget
// always return an equal Result (invariant 3 of the spec).
func Execute(program []byte, cycleBudget uint64) Result {
	return execute(program, cycleBudget, false)
}

// ExecuteTraced behaves like Execute but additionally records the sequence
// of executed instructions. Intended for puzzle-program debugging, not
// production use (the cycle and memory contracts are identical).
func ExecuteTraced(program []byte, cycleBudget uint64) Result {
	return execute(program, cycleBudget, true)
}

func execute(program []byte, cycleBudget uint64, trace bool) Result {
	if cycleBudget == 0 {
		cycleBudget = DefaultCycleBudget
	}
	st := &state{
		mem:        NewMemory(),
		budget:     cycleBudget,
		cyclesLeft: cycleBudget,
		trace:      trace,
	}

	for {
		if st.cyclesLeft == 0 {
			return st.result(Faulted, CycleExhausted)
		}

		op, ok := decodeOpcode(program, st.pc)
		if !ok {
			return st.result(Faulted, InvalidProgram)
		}

		st.cyclesLeft--
		if st.trace {
			st.traceLog = append(st.traceLog, TraceEntry{PC: st.pc, Op: op})
		}

		switch op {
		case HALT:
			return st.result(Halted, NoFault)

		case MOVI:
			ri, ok := byteAt(program, st.pc+1)
			imm, ok2 := bytesAt(program, st.pc+2, 32)
			if !ok || !ok2 || ri >= numRegisters {
				return st.result(Faulted, InvalidProgram)
			}
			st.regs[ri].SetBytes(imm)
			st.pc += uint64(instrLen(op))

		case MOVR:
			ri, rj, ok := tworegs(program, st.pc)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			st.regs[ri] = st.regs[rj]
			st.pc += uint64(instrLen(op))

		case ADD, SUB, XOR, AND, OR:
			ri, rj, rk, ok := threeregs(program, st.pc)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			a, b := &st.regs[rj], &st.regs[rk]
			switch op {
			case ADD:
				st.regs[ri].Add(a, b)
			case SUB:
				st.regs[ri].Sub(a, b)
			case XOR:
				st.regs[ri].Xor(a, b)
			case AND:
				st.regs[ri].And(a, b)
			case OR:
				st.regs[ri].Or(a, b)
			}
			st.pc += uint64(instrLen(op))

		case SHL, SHR:
			ri, rj, shiftImm, ok := regRegImm8(program, st.pc)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			src := &st.regs[rj]
			if op == SHL {
				st.regs[ri].Lsh(src, uint(shiftImm))
			} else {
				st.regs[ri].Rsh(src, uint(shiftImm))
			}
			st.pc += uint64(instrLen(op))

		case LOAD:
			ri, rj, offset, ok := regRegImm32(program, st.pc)
			if !ok || ri >= numRegisters {
				return st.result(Faulted, InvalidProgram)
			}
			addr, ok := effectiveAddress(&st.regs[rj], offset)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			word, ok := st.mem.ReadWord(addr)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			st.regs[ri].SetBytes(word[:])
			st.pc += uint64(instrLen(op))

		case STORE:
			ri, rj, offset, ok := regRegImm32(program, st.pc)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			addr, ok := effectiveAddress(&st.regs[rj], offset)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			word := st.regs[ri].Bytes32()
			if !st.mem.WriteWord(addr, word) {
				return st.result(Faulted, InvalidProgram)
			}
			st.pc += uint64(instrLen(op))

		case JMP:
			target, ok := bytesAt(program, st.pc+1, 4)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			st.pc = uint64(binary.BigEndian.Uint32(target))

		case JMPEQ, JMPNE:
			ri, rj, ok := tworegs(program, st.pc)
			targetBytes, ok2 := bytesAt(program, st.pc+3, 4)
			if !ok || !ok2 {
				return st.result(Faulted, InvalidProgram)
			}
			target := uint64(binary.BigEndian.Uint32(targetBytes))
			equal := st.regs[ri].Eq(&st.regs[rj])
			taken := (op == JMPEQ && equal) || (op == JMPNE && !equal)
			if taken {
				st.pc = target
			} else {
				st.pc += uint64(instrLen(op))
			}

		case HASH:
			ri, rj, length, ok := regRegImm32(program, st.pc)
			if !ok || ri >= numRegisters {
				return st.result(Faulted, InvalidProgram)
			}
			addr, ok := effectiveAddress(&st.regs[rj], 0)
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			data, ok := st.mem.ReadRange(addr, uint64(length))
			if !ok {
				return st.result(Faulted, InvalidProgram)
			}
			st.regs[ri].SetBytes(crypto.Keccak256(data))
			st.pc += uint64(instrLen(op))

		default:
			return st.result(Faulted, InvalidProgram)
		}
	}
}

// result assembles the terminal Result, computing k2 when halted.
func (st *state) result(status Status, fault FaultKind) Result {
	r := Result{
		Status:     status,
		Fault:      fault,
		CyclesUsed: st.budget - st.cyclesLeft,
		Trace:      st.traceLog,
	}
	if status == Halted {
		r.Output = canonicalOutput(&st.regs)
	}
	return r
}

// canonicalOutput computes k2 = keccak256(R0 .. R7), each register
// serialized as a big-endian 32-byte word, per the spec's pinned Open
// Question 2.
func canonicalOutput(regs *[numRegisters]uint256.Int) [32]byte {
	buf := make([]byte, 0, numRegisters*32)
	for i := range regs {
		w := regs[i].Bytes32()
		buf = append(buf, w[:]...)
	}
	return [32]byte(crypto.Keccak256Hash(buf))
}

// effectiveAddress computes base (low 32 bits of reg) + offset, rejecting
// overflow or out-of-range results. offset may be negative.
func effectiveAddress(reg *uint256.Int, offset int32) (uint64, bool) {
	base := reg.Uint64() & 0xffffffff
	addr := int64(base) + int64(offset)
	if addr < 0 || addr > AddressSpace {
		return 0, false
	}
	return uint64(addr), true
}

// --- instruction decoding helpers -----------------------------------------

func decodeOpcode(program []byte, pc uint64) (OpCode, bool) {
	if pc >= uint64(len(program)) {
		return 0, false
	}
	op := OpCode(program[pc])
	n := instrLen(op)
	if n == 0 {
		return 0, false
	}
	if pc+uint64(n) > uint64(len(program)) {
		return 0, false
	}
	return op, true
}

func byteAt(program []byte, pos uint64) (byte, bool) {
	if pos >= uint64(len(program)) {
		return 0, false
	}
	return program[pos], true
}

func bytesAt(program []byte, pos uint64, n int) ([]byte, bool) {
	if pos+uint64(n) > uint64(len(program)) {
		return nil, false
	}
	return program[pos : pos+uint64(n)], true
}

func tworegs(program []byte, pc uint64) (ri, rj byte, ok bool) {
	a, ok1 := byteAt(program, pc+1)
	b, ok2 := byteAt(program, pc+2)
	if !ok1 || !ok2 || a >= numRegisters || b >= numRegisters {
		return 0, 0, false
	}
	return a, b, true
}

func threeregs(program []byte, pc uint64) (ri, rj, rk byte, ok bool) {
	a, ok1 := byteAt(program, pc+1)
	b, ok2 := byteAt(program, pc+2)
	c, ok3 := byteAt(program, pc+3)
	if !ok1 || !ok2 || !ok3 || a >= numRegisters || b >= numRegisters || c >= numRegisters {
		return 0, 0, 0, false
	}
	return a, b, c, true
}

func regRegImm8(program []byte, pc uint64) (ri, rj byte, imm byte, ok bool) {
	a, ok1 := byteAt(program, pc+1)
	b, ok2 := byteAt(program, pc+2)
	c, ok3 := byteAt(program, pc+3)
	if !ok1 || !ok2 || !ok3 || a >= numRegisters || b >= numRegisters {
		return 0, 0, 0, false
	}
	return a, b, c, true
}

func regRegImm32(program []byte, pc uint64) (ri, rj byte, imm int32, ok bool) {
	a, ok1 := byteAt(program, pc+1)
	b, ok2 := byteAt(program, pc+2)
	raw, ok3 := bytesAt(program, pc+3, 4)
	if !ok1 || !ok2 || !ok3 || a >= numRegisters || b >= numRegisters {
		return 0, 0, 0, false
	}
	return a, b, int32(binary.BigEndian.Uint32(raw)), true
}
