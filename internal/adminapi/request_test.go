package adminapi

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAcceptsEmptyBody(t *testing.T) {
	var req StartRequest
	r := httptest.NewRequest("POST", "/", nil)
	require.NoError(t, decode(r, &req))
	assert.False(t, req.DryRun)
}

func TestDecodeRejectsOversizedReason(t *testing.T) {
	var req StartRequest
	body := `{"reason": "` + strings.Repeat("x", 501) + `"}`
	r := httptest.NewRequest("POST", "/", strings.NewReader(body))
	err := decode(r, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation error")
}

func TestDecodeAcceptsReasonAtMaxLength(t *testing.T) {
	var req StartRequest
	body := `{"reason": "` + strings.Repeat("x", 500) + `"}`
	r := httptest.NewRequest("POST", "/", strings.NewReader(body))
	require.NoError(t, decode(r, &req))
	assert.Len(t, req.Reason, 500)
}
