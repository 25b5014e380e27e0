package errors

import "syscall"

// Legacy numeric return codes carried in the cib-rc attribute of replies.
// Negative errno values and the 2xx range match what existing cluster
// tooling expects.
const (
	RCOK              = 0
	RCNotFound        = -int(syscall.ENXIO)
	RCConflict        = -int(syscall.EEXIST)
	RCInvalid         = -int(syscall.EINVAL)
	RCForbidden       = -int(syscall.EACCES)
	RCNotConnected    = -int(syscall.ENOTCONN)
	RCTimeout         = -int(syscall.ETIME)
	RCNotImplemented  = -int(syscall.EOPNOTSUPP)
	RCTooLarge        = -int(syscall.EMSGSIZE)
	RCGeneric         = -201
	RCNoQuorum        = -202
	RCSchemaInvalid   = -203
	RCOldData         = -205
	RCDiffFailed      = -206
	RCDiffResync      = -207
	RCSchemaUnchanged = -211
)

var codeToRC = map[string]int{
	EInternal:        RCGeneric,
	ENotImplemented:  RCNotImplemented,
	ENotFound:        RCNotFound,
	EConflict:        RCConflict,
	EInvalid:         RCInvalid,
	EForbidden:       RCForbidden,
	EUnavailable:     RCNotConnected,
	ETimeout:         RCTimeout,
	EDiffResync:      RCDiffResync,
	EDiffFailed:      RCDiffFailed,
	EOldData:         RCOldData,
	ESchemaUnchanged: RCSchemaUnchanged,
	ESchemaInvalid:   RCSchemaInvalid,
	ETooLarge:        RCTooLarge,
	ENoQuorum:        RCNoQuorum,
}

var rcToCode = func() map[int]string {
	m := make(map[int]string, len(codeToRC))
	for code, rc := range codeToRC {
		m[rc] = code
	}
	return m
}()

// RC returns the numeric return code for err. A nil error is RCOK.
func RC(err error) int {
	if err == nil {
		return RCOK
	}
	if rc, ok := codeToRC[ErrorCode(err)]; ok {
		return rc
	}
	return RCGeneric
}

// FromRC turns a numeric return code received from a peer back into an
// error. RCOK yields nil.
func FromRC(rc int, op string) error {
	if rc == RCOK {
		return nil
	}
	code, ok := rcToCode[rc]
	if !ok {
		code = EInternal
	}
	return &Error{Code: code, Op: op, Msg: StrRC(rc)}
}

// StrRC is the human readable form of a return code.
func StrRC(rc int) string {
	switch rc {
	case RCOK:
		return "OK"
	case RCDiffResync:
		return "Application of update diff failed, requesting full refresh"
	case RCDiffFailed:
		return "Application of update diff failed"
	case RCOldData:
		return "Update was older than existing configuration"
	case RCSchemaUnchanged:
		return "Schema is already the latest available"
	case RCSchemaInvalid:
		return "Update does not conform to the configured schema"
	case RCNoQuorum:
		return "Operation requires quorum"
	case RCGeneric:
		return "Error"
	}
	if rc < 0 && rc > -200 {
		return syscall.Errno(-rc).Error()
	}
	return "Unknown error"
}
