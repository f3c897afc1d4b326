package pipeline

// State is one step of the nine-step pipeline that carries a signal from
// lease to completion.
type State int

const (
	S0Leased State = iota
	S1Solve
	S2FetchK1
	S3Decrypt
	S4ValidateEscrow
	S5Bond
	S6Transfer
	S7BuildProof
	S8Claim
	S9Done
)

func (s State) String() string {
	switch s {
	case S0Leased:
		return "S0_Leased"
	case S1Solve:
		return "S1_Solve"
	case S2FetchK1:
		return "S2_FetchK1"
	case S3Decrypt:
		return "S3_Decrypt"
	case S4ValidateEscrow:
		return "S4_ValidateEscrow"
	case S5Bond:
		return "S5_Bond"
	case S6Transfer:
		return "S6_Transfer"
	case S7BuildProof:
		return "S7_BuildProof"
	case S8Claim:
		return "S8_Claim"
	case S9Done:
		return "S9_Done"
	default:
		return "unknown"
	}
}
