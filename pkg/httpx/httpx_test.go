package httpx

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	require.True(t, strings.HasPrefix(a, "trq_"))
	require.NotEqual(t, a, b)
}

func TestReplyInjectsRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	Reply(rec, 202, map[string]any{"recorded": true})

	require.Equal(t, 202, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("content-type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["recorded"])
	require.True(t, strings.HasPrefix(body["request_id"].(string), "trq_"))
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 400, "BAD_JSON", "unexpected end of input", nil)

	require.Equal(t, 400, rec.Code)
	var body struct {
		RequestID string      `json:"request_id"`
		Error     ErrorDetail `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, strings.HasPrefix(body.RequestID, "trq_"))
	require.Equal(t, "BAD_JSON", body.Error.Code)
	require.Equal(t, "unexpected end of input", body.Error.Message)
	require.NotContains(t, rec.Body.String(), "details")
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x","bogus":1}`))
	var dst struct {
		Name string `json:"name"`
	}
	require.Error(t, ReadJSON(httptest.NewRecorder(), req, &dst))
}

func TestReadJSONCapsBodySize(t *testing.T) {
	payload := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req := httptest.NewRequest("POST", "/", strings.NewReader(payload))
	var dst struct {
		Name string `json:"name"`
	}
	require.Error(t, ReadJSON(httptest.NewRecorder(), req, &dst))
}
