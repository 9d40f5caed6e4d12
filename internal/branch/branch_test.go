package branch

import (
	"testing"

	"keel/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"main", true},
		{"feature/login-page", true},
		{"release_1.2", true},
		{"", false},
		{"a//b", false},
		{"/main", false},
		{"..", false},
		{"a/./b", false},
		{"has space", false},
		{"topic.lock", false},
		{"tab\tname", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
		})
	}
}

func TestFromSource(t *testing.T) {
	main, err := New(Main, "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, main.LockDomainID)
	assert.Empty(t, main.Parent)

	shared, err := FromSource("topic", main, false)
	require.NoError(t, err)
	assert.Equal(t, "c1", shared.Head)
	assert.Equal(t, Main, shared.Parent)
	assert.Equal(t, main.LockDomainID, shared.LockDomainID)

	isolated, err := FromSource("isolated", main, true)
	require.NoError(t, err)
	assert.NotEqual(t, main.LockDomainID, isolated.LockDomainID)

	_, err = FromSource("bad name", main, false)
	assert.Error(t, err)
}

func TestFromSourceKeepsEditPolicy(t *testing.T) {
	main, err := New(Main, "c1")
	require.NoError(t, err)
	main.ExclusiveEdits = true

	shared, err := FromSource("topic", main, false)
	require.NoError(t, err)
	assert.True(t, shared.ExclusiveEdits)

	isolated, err := FromSource("isolated", main, true)
	require.NoError(t, err)
	assert.True(t, isolated.ExclusiveEdits)
}

func TestLockValidate(t *testing.T) {
	ok := Lock{Path: "/a", LockDomainID: "d", WorkspaceID: "w", BranchName: Main}
	assert.NoError(t, ok.Validate())
	assert.True(t, ok.OwnedBy("w"))
	assert.False(t, ok.OwnedBy("x"))

	bad := Lock{Path: "relative", LockDomainID: ""}
	err := bad.Validate()
	require.Error(t, err)

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	details, _ := e.Details.(map[string]string)
	assert.Contains(t, details, "path")
	assert.Contains(t, details, "lock_domain_id")
	assert.Contains(t, details, "workspace_id")
}
