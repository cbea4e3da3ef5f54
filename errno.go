package cshim

import "strconv"

// Errno is a C error number. The values match the runtime's errno.h.
type Errno int32

// Error numbers reported by the allocation family. EBADF, ERANGE and ENOSYS
// belong to the rest of the runtime and are listed so ErrnoOf can name them.
const (
	EBADF  Errno = 9
	ENOMEM Errno = 12
	EINVAL Errno = 22
	ERANGE Errno = 34
	ENOSYS Errno = 38
)

var (
	// ErrOutOfMemory is reported when the backend cannot satisfy a request.
	ErrOutOfMemory error = ENOMEM
	// ErrInvalidArgument is reported for rejected sizes and alignments.
	ErrInvalidArgument error = EINVAL
)

// Name returns the symbolic name, such as "ENOMEM".
func (e Errno) Name() string {
	switch e {
	case EBADF:
		return "EBADF"
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case ERANGE:
		return "ERANGE"
	case ENOSYS:
		return "ENOSYS"
	}
	return "E" + strconv.Itoa(int(e))
}

// Description returns the strerror text.
func (e Errno) Description() string {
	switch e {
	case EBADF:
		return "Bad file descriptor"
	case ENOMEM:
		return "Cannot allocate memory"
	case EINVAL:
		return "Invalid argument"
	case ERANGE:
		return "Numerical result out of range"
	case ENOSYS:
		return "Function not implemented"
	}
	return "Unknown error " + strconv.Itoa(int(e))
}

// Error implements error as "Cannot allocate memory (ENOMEM)".
func (e Errno) Error() string {
	return e.Description() + " (" + e.Name() + ")"
}
