package clerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndAsKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(NetworkError, "failed to reach engine", cause)

	kind, ok := AsKind(err)
	assert.True(t, ok)
	assert.Equal(t, NetworkError, kind)
	assert.ErrorIs(t, err, cause)
}

func TestAsKindFalseForPlainError(t *testing.T) {
	_, ok := AsKind(errors.New("plain"))
	assert.False(t, ok)
}

func TestBlockerCarriesDialogActions(t *testing.T) {
	err := Blocker("no container engine found",
		DialogAction{Label: "Install Docker", Action: "open-install-docker"},
		DialogAction{Label: "Later", Action: "dismiss"},
	)

	kind, ok := AsKind(err)
	assert.True(t, ok)
	assert.Equal(t, EnvironmentBlocker, kind)
	assert.Len(t, err.Dialog, 2)
	assert.Equal(t, "open-install-docker", err.Dialog[0].Action)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New(TransientServiceError, "health check failed", cause)
	assert.Contains(t, err.Error(), "health check failed")
	assert.Contains(t, err.Error(), "dial tcp: timeout")
}

func TestStackWrapsNonNilAndPassesNil(t *testing.T) {
	assert.Nil(t, Stack(nil))

	wrapped := Stack(errors.New("boom"))
	assert.Error(t, wrapped)
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		EnvironmentBlocker:    "EnvironmentBlocker",
		TransientServiceError: "TransientServiceError",
		PermanentServiceError: "PermanentServiceError",
		NetworkError:          "NetworkError",
		ValidationError:       "ValidationError",
		ConcurrencyGuard:      "ConcurrencyGuard",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
