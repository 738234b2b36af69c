package consultation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	svc, _ := newTestService(nil)
	mux := http.NewServeMux()
	NewHandler(svc, auth.HeaderIdentity, nil).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, id *auth.Identity, body string) (int, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if id != nil {
		req.Header.Set(auth.HeaderUserID, id.UserID)
		req.Header.Set(auth.HeaderUserRole, string(id.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func decodeConsultation(t *testing.T, raw json.RawMessage) Consultation {
	t.Helper()
	var c Consultation
	require.NoError(t, json.Unmarshal(raw, &c))
	return c
}

func TestHandler_RequestAcceptFlow(t *testing.T) {
	ts := newTestAPI(t)

	status, out := call(t, ts, http.MethodPost, "/api/consultations", &patient, `{"doctorId":"doc1"}`)
	require.Equal(t, http.StatusCreated, status)
	c := decodeConsultation(t, out["consultation"])
	assert.Equal(t, StatusRequested, c.Status)

	status, out = call(t, ts, http.MethodGet, "/api/consultations/requests", &doctor, "")
	require.Equal(t, http.StatusOK, status)
	var pending []Consultation
	require.NoError(t, json.Unmarshal(out["consultations"], &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)

	status, out = call(t, ts, http.MethodPost, "/api/consultations/"+c.ID+"/accept", &doctor, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusAccepted, decodeConsultation(t, out["consultation"]).Status)

	status, out = call(t, ts, http.MethodGet, "/api/consultations/"+c.ID, &patient, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusAccepted, decodeConsultation(t, out["consultation"]).Status)
}

func TestHandler_Errors(t *testing.T) {
	ts := newTestAPI(t)

	status, _ := call(t, ts, http.MethodGet, "/api/consultations/requests", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, ts, http.MethodPost, "/api/consultations", &patient, `{"doctorId":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/api/consultations", &patient, `{"doctorId":"doc1","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/api/consultations", &doctor, `{"doctorId":"doc2"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, ts, http.MethodGet, "/api/consultations/nope", &patient, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, out := call(t, ts, http.MethodPost, "/api/consultations", &patient, `{"doctorId":"doc1"}`)
	require.Equal(t, http.StatusCreated, status)
	c := decodeConsultation(t, out["consultation"])

	status, _ = call(t, ts, http.MethodPost, "/api/consultations/"+c.ID+"/teleport", &doctor, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, ts, http.MethodPost, "/api/consultations/"+c.ID+"/complete", &doctor, "")
	assert.Equal(t, http.StatusConflict, status)
}
