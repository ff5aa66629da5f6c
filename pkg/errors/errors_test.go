package errors

import (
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromErrno(t *testing.T) {
	cases := map[syscall.Errno]ErrorCode{
		syscall.EPERM:  ErrorCodePerm,
		syscall.EACCES: ErrorCodePerm,
		syscall.ENOMEM: ErrorCodeOutOfResource,
		syscall.ENOENT: ErrorCodeNotFound,
		syscall.EIO:    ErrorCodeIOPermanent,
		syscall.EEXIST: ErrorCodeExists,
		syscall.EAGAIN: ErrorCodeIOTemporary,
		syscall.EROFS:  ErrorCodeGeneric,
	}

	for errno, want := range cases {
		require.Equal(t, want, FromErrno(errno), "errno %d", int(errno))
	}

	require.Equal(t, ErrorCodeSuccess, FromErrno(nil))
}

func TestFromErrnoUnwrapsPathError(t *testing.T) {
	err := &os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}
	require.Equal(t, ErrorCodeNotFound, FromErrno(err))
}

func TestCodeValuesReduceToWorst(t *testing.T) {
	require.Equal(t, 0, ErrorCodeSuccess.Int())
	require.Less(t, ErrorCodeIOPermanent.Int(), ErrorCodeNotFound.Int())

	// Round trip through the numeric space used by reductions.
	for code := range codeValues {
		require.Equal(t, code, FromInt(code.Int()))
	}

	require.Equal(t, ErrorCodeGeneric, FromInt(-999))
}

func TestGetErrorCode(t *testing.T) {
	require.Equal(t, ErrorCodeSuccess, GetErrorCode(nil))

	storage := NewStorageError(nil, ErrorCodeTruncate, "short write")
	require.Equal(t, ErrorCodeTruncate, GetErrorCode(storage))

	ds := NewDatasetError(nil, ErrorCodeExists, "exists").WithDataset("ckpt", 1)
	require.Equal(t, ErrorCodeExists, GetErrorCode(ds))

	validation := NewValidationError(nil, ErrorCodeBadParam, "bad").WithField("id")
	require.Equal(t, ErrorCodeBadParam, GetErrorCode(validation))

	require.Equal(t, ErrorCodeNotFound, GetErrorCode(syscall.ENOENT))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(NewStorageError(nil, ErrorCodeIOTemporary, "busy")))
	require.False(t, Retryable(NewStorageError(nil, ErrorCodeIOPermanent, "dead")))
}

func TestClassifyWriteError(t *testing.T) {
	short := ClassifyWriteError(nil, 10, 20, "/x")
	require.Equal(t, ErrorCodeTruncate, short.Code())

	hard := ClassifyWriteError(syscall.EIO, 0, 20, "/x")
	require.Equal(t, ErrorCodeIOPermanent, hard.Code())
}

func TestStackPushPop(t *testing.T) {
	stack := NewStack()
	require.Equal(t, 0, stack.Depth())

	_, ok := stack.PopLast()
	require.False(t, ok)

	stack.Push(ErrorCodeNotFound, nil, "missing %s", "root")
	stack.Push(ErrorCodePerm, nil, "denied")
	require.Equal(t, 2, stack.Depth())

	entry, ok := stack.PopLast()
	require.True(t, ok)
	require.Equal(t, ErrorCodePerm, entry.Code)
	require.Equal(t, "denied", entry.Message)

	entry, ok = stack.PopLast()
	require.True(t, ok)
	require.Equal(t, ErrorCodeNotFound, entry.Code)
	require.Equal(t, "missing root", entry.Message)

	require.Equal(t, 0, stack.Depth())
}

func TestStackPrintAllDrains(t *testing.T) {
	stack := NewStack()
	stack.Push(ErrorCodeGeneric, nil, "first")
	stack.Push(ErrorCodePerm, nil, "second")

	var sb strings.Builder
	stack.PrintAll(&sb, "HIO test")

	output := sb.String()
	require.Contains(t, output, "first")
	require.Contains(t, output, "second")
	require.Contains(t, output, "PERM")
	require.Equal(t, 0, stack.Depth())
}

func TestErrorChaining(t *testing.T) {
	cause := syscall.ENOENT
	wrapped := NewStorageError(cause, ErrorCodeNotFound, "probe failed").
		WithPath("/root").WithDataRoot("/root")

	require.ErrorIs(t, wrapped, syscall.ENOENT)

	extracted, ok := AsStorageError(wrapped)
	require.True(t, ok)
	require.Equal(t, "/root", extracted.Path())
	require.Equal(t, "/root", extracted.DataRoot())
}
