package pipeline

// TPM 2 session tags and the TCG SEND_COMMAND transport opcode, named the
// same way pkg/ntag424/errors.go tables its status words: one named
// constant per protocol-significant value, no magic numbers downstream.
const (
	TagNoSessions uint16 = 0x8001
	TagSessions   uint16 = 0x8002

	// tcgSendCommandOpcode identifies the TCG wire-transport framing this
	// pipeline optionally strips before interpreting the embedded TPM
	// command. Distinct from any TPM tag value, which is why detection
	// checks the first 16 bits against TagNoSessions/TagSessions first.
	tcgSendCommandOpcode uint32 = 8

	requestHeaderLen = 10

	// tcgPrefixLen is opcode(u32) + locality(u8) + size(u32).
	tcgPrefixLen = 4 + 1 + 4
)
