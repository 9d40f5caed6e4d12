package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, err error) error {
	t.Helper()
	rec := httptest.NewRecorder()
	WriteJSON(rec, err)
	return FromResponse(rec.Result())
}

func TestErrorJSONRoundTrip(t *testing.T) {
	type owner struct {
		WorkspaceID string `json:"workspace_id"`
	}
	cases := []error{
		NotFound("branch %q not found", "main"),
		Conflict("branch main moved"),
		LockAlreadyExists(owner{WorkspaceID: "ws2"}, "/a is locked"),
		ValidationError("invalid request", map[string]string{"author": "required"}),
		EmptyCommit("nothing to commit"),
	}
	for _, want := range cases {
		got := roundTrip(t, want)
		assert.Equal(t, TypeOf(want), TypeOf(got), want.Error())
		assert.Equal(t, StatusCode(want), StatusCode(got))
		assert.Equal(t, want.Error(), got.Error())
	}

	var o owner
	require.NoError(t, DecodeDetails(roundTrip(t, cases[2]), &o))
	assert.Equal(t, "ws2", o.WorkspaceID)
}

func TestUntypedErrorsHideTheirMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, fmt.Errorf("disk at /secret failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/secret")
	assert.True(t, IsType(FromResponse(rec.Result()), ErrorTypeInternal))
}

func TestFromResponseWithoutErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	_, _ = rec.WriteString("<html>bad gateway</html>")

	err := FromResponse(rec.Result())
	assert.True(t, IsType(err, ErrorTypeInternal))
	assert.Contains(t, err.Error(), "502")
}
