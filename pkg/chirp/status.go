package chirp

// Status is a result/error code, modeled after the kinds enumerated in
// spec.md §6/§7. It implements error directly so it can be returned, wrapped
// with fmt.Errorf("...: %w", status), or compared with errors.Is.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusValueError
	StatusUVError // underlying socket/transport error
	StatusProtocolError
	StatusAddrInUse
	StatusFatal
	StatusTLSError
	StatusUninit
	StatusInProgress
	StatusTimeout
	StatusENOMEM
	StatusShutdown
	StatusCannotConnect
	StatusQueued
	StatusUsed
	StatusMore
	StatusBusy
	StatusEmpty
	StatusWriteError
	StatusInitFail
)

var statusNames = [...]string{
	StatusSuccess:       "success",
	StatusValueError:    "value error",
	StatusUVError:       "transport error",
	StatusProtocolError: "protocol error",
	StatusAddrInUse:     "address in use",
	StatusFatal:         "fatal error",
	StatusTLSError:      "tls error",
	StatusUninit:        "uninitialized",
	StatusInProgress:    "in progress",
	StatusTimeout:       "timeout",
	StatusENOMEM:        "out of memory",
	StatusShutdown:      "shutdown",
	StatusCannotConnect: "cannot connect",
	StatusQueued:        "queued",
	StatusUsed:          "used",
	StatusMore:          "more",
	StatusBusy:          "busy",
	StatusEmpty:         "empty",
	StatusWriteError:    "write error",
	StatusInitFail:      "initialization failed",
}

// Error implements error.
func (s Status) Error() string {
	if int(s) < len(statusNames) && statusNames[s] != "" {
		return statusNames[s]
	}
	return "unknown status"
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}
