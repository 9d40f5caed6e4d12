package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"keel/internal/branch"
	"keel/internal/canonical"
	"keel/internal/errors"
	"keel/internal/safe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(body string, v Validator) error {
	r := httptest.NewRequest("POST", "/", strings.NewReader(body))
	return Decode(httptest.NewRecorder(), r, v)
}

func TestDecode(t *testing.T) {
	var req CreateBranchRequest
	require.NoError(t, decode(`{"name":"feature/x"}`, &req))
	assert.Equal(t, branch.Main, req.Source)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"name":`},
		{"unknown field", `{"name":"x","color":"red"}`},
		{"trailing data", `{"name":"x"} {}`},
		{"invalid name", `{"name":"a..lock/"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decode(tt.body, &CreateBranchRequest{})
			assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
		})
	}
}

func TestLockRequest(t *testing.T) {
	err := decode(`{"path":"relative"}`, &LockRequest{})
	require.True(t, errors.Is(err, errors.ErrValidation))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	details := e.Details.(map[string]string)
	assert.Contains(t, details, "path")
	assert.Equal(t, "required", details["workspace_id"])

	var ok LockRequest
	require.NoError(t, decode(`{"path":"/a/b","workspace_id":"ws"}`, &ok))
	assert.Equal(t, canonical.Path("/a/b"), ok.Path)
}

func TestParameters(t *testing.T) {
	p, err := Path("docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, canonical.Path("/docs/readme.md"), p)
	_, err = Path("docs//readme.md")
	assert.Error(t, err)

	assert.NoError(t, Hash(safe.Identify(make([]byte, 200))))
	assert.NoError(t, Hash(safe.Identify([]byte("small"))))
	assert.Error(t, Hash("../../etc/passwd"))

	n, err := Depth("")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = Depth("3")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = Depth("-1")
	assert.Error(t, err)
}

func TestRepositoryName(t *testing.T) {
	assert.NoError(t, decode(`{"name":"assets"}`, &CreateRepositoryRequest{}))
	assert.Error(t, decode(`{"name":"../x"}`, &CreateRepositoryRequest{}))
}
