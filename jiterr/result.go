package jiterr

// ResultCode is returned per compile request.
type ResultCode uint8

const (
	ResultOK ResultCode = iota
	ResultOutOfMemory
	ResultStackOverflow
	ResultAborted
	ResultInvalidConnection
	ResultFailed
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultOutOfMemory:
		return "out-of-memory"
	case ResultStackOverflow:
		return "stack-overflow"
	case ResultAborted:
		return "aborted"
	case ResultInvalidConnection:
		return "invalid-connection"
	default:
		return "failed"
	}
}

// CodeOf maps an error to the result code reported to the host. Errors
// without a kind map to ResultFailed.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	switch KindOf(err) {
	case KindOutOfMemory:
		return ResultOutOfMemory
	case KindStackOverflow:
		return ResultStackOverflow
	case KindAborted:
		return ResultAborted
	case KindInvalidConnection:
		return ResultInvalidConnection
	default:
		return ResultFailed
	}
}
