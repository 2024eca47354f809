package errcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkop/pkg/types"
)

func TestCode(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, 120, Code(New(120, "bad id")))
	assert.Equal(t, SysUnknownError, Code(io.EOF))

	wrapped := fmt.Errorf("replica 3: %w", New(UserFileDoesNotExist, "missing"))
	assert.Equal(t, UserFileDoesNotExist, Code(wrapped))
}

func TestOutcome(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want types.Outcome
	}{
		{"nil", nil, types.Outcome{}},
		{"coded", New(120, "bad id"), types.Outcome{Code: 120, Message: "bad id"}},
		{"formatted", Newf(SysInvalidInputParam, "missing %q", "plugin"), types.Outcome{Code: SysInvalidInputParam, Message: `missing "plugin"`}},
		{"generic", errors.New("boom"), types.Outcome{Code: SysUnknownError, Message: "boom"}},
		{"wrapped cause", Wrap(io.ErrUnexpectedEOF, SysConnPoolErr, "refresh slot 1"), types.Outcome{Code: SysConnPoolErr, Message: "refresh slot 1: unexpected EOF"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Outcome(tc.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, SysInternalErr, "nothing"))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(io.EOF, SysConnPoolErr, "connect")
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "SYS_CONN_POOL_ERR")
}

func TestFromPanic(t *testing.T) {
	assert.Equal(t, types.Outcome{Code: SysUnknownError, Message: "kaboom"}, FromPanic("kaboom"))
	assert.Equal(t, types.Outcome{Code: SysUnknownError, Message: "EOF"}, FromPanic(io.EOF))
}

func TestCancelled(t *testing.T) {
	out := Cancelled(context.Canceled)
	assert.Equal(t, types.Outcome{Code: SysOperationCancelled, Message: "context canceled"}, out)
	assert.True(t, out.Failed())

	assert.Equal(t, SysOperationCancelled, Cancelled(nil).Code)
	assert.NotEmpty(t, Cancelled(nil).Message)
}

func TestName(t *testing.T) {
	assert.Equal(t, "CAT_NO_ROWS_FOUND", Name(CatNoRowsFound))
	assert.Equal(t, "error", Name(42))
}

func TestCodeValues(t *testing.T) {
	// values clients decode; the server-table ones must never drift
	testCases := []struct {
		code int
		name string
		want int
	}{
		{SysNotSupported, "SYS_NOT_SUPPORTED", -66000},
		{SysInvalidInputParam, "SYS_INVALID_INPUT_PARAM", -130000},
		{SysInternalErr, "SYS_INTERNAL_ERR", -154000},
		{SysUnknownError, "SYS_UNKNOWN_ERROR", -165000},
		{UserFileDoesNotExist, "USER_FILE_DOES_NOT_EXIST", -310000},
		{UserChksumMismatch, "USER_CHKSUM_MISMATCH", -314000},
		{CatNoRowsFound, "CAT_NO_ROWS_FOUND", -808000},
		{SysOperationCancelled, "SYS_OPERATION_CANCELLED", -4000000},
		{SysConnPoolErr, "SYS_CONN_POOL_ERR", -4001000},
	}

	seen := map[int]string{}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.code)
			assert.Equal(t, tc.name, Name(tc.code))
		})
		assert.NotContains(t, seen, tc.code, "%s reuses the code of %s", tc.name, seen[tc.code])
		seen[tc.code] = tc.name
	}
	assert.Len(t, names, len(testCases))
}
