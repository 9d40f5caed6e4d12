package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesType(t *testing.T) {
	err := NotFound("branch %q not found", "main")

	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrConflict))
	assert.Equal(t, `branch "main" not found`, err.Error())
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestWrappedErrorsKeepType(t *testing.T) {
	base := Conflict("branch head moved")
	wrapped := fmt.Errorf("committing: %w", base)

	assert.Equal(t, ErrorTypeConflict, TypeOf(wrapped))
	assert.True(t, IsType(wrapped, ErrorTypeConflict))
	assert.Equal(t, http.StatusConflict, StatusCode(wrapped))
	assert.Equal(t, ErrorTypeInternal, TypeOf(New("plain")))
}

func TestWrapPrefixesMessage(t *testing.T) {
	err := Wrap(InvalidPath("empty segment"), "parsing %s", "/a//b")

	var typed *Error
	require.True(t, As(err, &typed))
	assert.Equal(t, ErrorTypeInvalidPath, typed.Type)
	assert.Equal(t, "parsing /a//b: empty segment", typed.Message)

	assert.Nil(t, Wrap(nil, "nothing"))
	assert.Equal(t, ErrorTypeInternal, TypeOf(Wrap(New("boom"), "doing things")))
}

func TestStorageKeepsCause(t *testing.T) {
	cause := New("disk full")
	err := Storage(cause, "writing blob")

	assert.True(t, Is(err, cause))
	assert.True(t, Is(err, ErrStorage))
	assert.Equal(t, "writing blob: disk full", err.Error())
}

func TestLockAlreadyExistsCarriesOwner(t *testing.T) {
	owner := map[string]string{"workspace_id": "w1"}
	err := LockAlreadyExists(owner, "path is locked")

	assert.Equal(t, owner, err.Details)
	assert.Equal(t, http.StatusLocked, err.Code)
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"nil", nil, ActionNone},
		{"lock", LockAlreadyExists(nil, "locked"), ActionAcquireLock},
		{"conflict", Conflict("stale"), ActionSync},
		{"resolve", ResolvePending("pending"), ActionResolve},
		{"storage", Storage(New("io"), "read"), ActionRetryStorage},
		{"persistence", Persistence(New("db"), "read"), ActionRetryStorage},
		{"invalid path", InvalidPath("bad"), ActionFixInput},
		{"empty", EmptyCommit("nothing"), ActionNothingToDo},
		{"untyped", New("x"), ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ActionFor(tt.err))
		})
	}

	assert.NotEqual(t, Hint(Conflict("x")), Hint(LockAlreadyExists(nil, "x")))
	assert.NotEqual(t, Hint(Conflict("x")), Hint(Storage(New("x"), "x")))
}
