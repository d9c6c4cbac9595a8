package ctrlproto

// Code is a PTM_* control-channel command code, the 32-bit big-endian
// value leading every request (spec.md §4.8).
type Code uint32

const (
	CodeGetCapability Code = iota + 1
	CodeInit
	CodeShutdown
	CodeGetTPMEstablished
	CodeResetTPMEstablished
	CodeHashStart
	CodeHashData
	CodeHashEnd
	CodeCancelTPMCmd
	CodeStoreVolatile
	CodeGetStateBlob
	CodeSetStateBlob
	CodeStop
	CodeGetConfig
	CodeLockStorage
	CodeSetLocality
	CodeSetBufferSize
)

func (c Code) String() string {
	switch c {
	case CodeGetCapability:
		return "GET_CAPABILITY"
	case CodeInit:
		return "INIT"
	case CodeShutdown:
		return "SHUTDOWN"
	case CodeGetTPMEstablished:
		return "GET_TPMESTABLISHED"
	case CodeResetTPMEstablished:
		return "RESET_TPMESTABLISHED"
	case CodeHashStart:
		return "HASH_START"
	case CodeHashData:
		return "HASH_DATA"
	case CodeHashEnd:
		return "HASH_END"
	case CodeCancelTPMCmd:
		return "CANCEL_TPM_CMD"
	case CodeStoreVolatile:
		return "STORE_VOLATILE"
	case CodeGetStateBlob:
		return "GET_STATEBLOB"
	case CodeSetStateBlob:
		return "SET_STATEBLOB"
	case CodeStop:
		return "STOP"
	case CodeGetConfig:
		return "GET_CONFIG"
	case CodeLockStorage:
		return "LOCK_STORAGE"
	case CodeSetLocality:
		return "SET_LOCALITY"
	case CodeSetBufferSize:
		return "SET_BUFFERSIZE"
	default:
		return "UNKNOWN"
	}
}

// InitFlags are the bits a CodeInit request body may carry.
type InitFlags uint32

const (
	InitFlagDeleteVolatile InitFlags = 0x1
	InitFlagNotNeedInit    InitFlags = 0x2
)

// BlobType identifies which named blob a GET/SET_STATEBLOB request
// addresses, mirroring nvram.BlobName at the wire boundary.
type BlobType uint32

const (
	BlobTypePermAll BlobType = iota
	BlobTypeVolatile
	BlobTypeSave
)
