package ctrlproto

import "github.com/kheubaum/swtpm/internal/swtpmerr"

// ResultCode is the 4-byte big-endian TPM-style result code every response
// leads with; 0 means success. Translating swtpmerr.Kind to a numeric code
// happens only at this boundary, per the Design Note in spec.md §9 and
// §7's "preserve numeric codes only at the control-channel and
// TPM-response boundaries".
type ResultCode uint32

const (
	ResultSuccess          ResultCode = 0
	ResultFail             ResultCode = 9  // TPM_FAIL
	ResultBadParameter     ResultCode = 3  // TPM_BAD_PARAMETER
	ResultBadVersion       ResultCode = 28 // TPM_BAD_VERSION
	ResultBadKeyProperty   ResultCode = 27 // TPM_BAD_KEY_PROPERTY
	ResultKeyNotFound      ResultCode = 30 // TPM_KEYNOTFOUND (1.2-derived)
	ResultDecryptError     ResultCode = 31 // TPM_DECRYPT_ERROR
	ResultBadLocality      ResultCode = 61 // TPM_BAD_LOCALITY
	ResultBadParamSize     ResultCode = 25 // TPM_BAD_PARAM_SIZE
	ResultRetry            ResultCode = 4  // TPM_RETRY
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultFail:
		return "FAIL"
	case ResultBadParameter:
		return "BAD_PARAMETER"
	case ResultBadVersion:
		return "BAD_VERSION"
	case ResultBadKeyProperty:
		return "BAD_KEY_PROPERTY"
	case ResultKeyNotFound:
		return "KEYNOTFOUND"
	case ResultDecryptError:
		return "DECRYPT_ERROR"
	case ResultBadLocality:
		return "BAD_LOCALITY"
	case ResultBadParamSize:
		return "BAD_PARAM_SIZE"
	case ResultRetry:
		return "RETRY"
	default:
		return "UNKNOWN"
	}
}

// resultFromErr translates any error into a ResultCode, mapping
// swtpmerr.Kind values when present and otherwise falling back to
// ResultFail.
func resultFromErr(err error) ResultCode {
	if err == nil {
		return ResultSuccess
	}
	switch swtpmerr.KindOf(err) {
	case swtpmerr.Retry:
		return ResultRetry
	case swtpmerr.BadParameter:
		return ResultBadParameter
	case swtpmerr.BadVersion:
		return ResultBadVersion
	case swtpmerr.BadMode, swtpmerr.BadKeyProperty:
		return ResultBadKeyProperty
	case swtpmerr.KeyNotFound:
		return ResultKeyNotFound
	case swtpmerr.DecryptError:
		return ResultDecryptError
	case swtpmerr.BadLocality:
		return ResultBadLocality
	case swtpmerr.BadParamSize:
		return ResultBadParamSize
	default:
		return ResultFail
	}
}
