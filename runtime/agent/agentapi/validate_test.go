package agentapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateMessagesJSONAccepts(t *testing.T) {
	raw := []byte(`[{"id":"m1","role":"user","content":"hi"}]`)
	require.NoError(t, ValidateMessagesJSON(raw))
}

func TestValidateMessagesJSONRejectsMissingID(t *testing.T) {
	raw := []byte(`[{"role":"user","content":"hi"}]`)
	require.Error(t, ValidateMessagesJSON(raw))
}

func TestValidateMessagesJSONRejectsUnknownRole(t *testing.T) {
	raw := []byte(`[{"id":"m1","role":"wizard"}]`)
	require.Error(t, ValidateMessagesJSON(raw))
}

func TestValidateMessagesJSONEmptyIsValid(t *testing.T) {
	require.NoError(t, ValidateMessagesJSON(nil))
}
