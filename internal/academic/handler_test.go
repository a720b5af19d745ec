package academic

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acadledger/acadledger/internal/contracts"
	"github.com/acadledger/acadledger/internal/identity"
)

func newTestRouter(t *testing.T) (*harness, http.Handler) {
	t.Helper()
	h := newHarness(t)
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), h.svc).MountRoutes(r)
	return h, r
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var sess sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return sess
}

func TestHandlerSessionLifecycle(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/universities", "", map[string]string{
		"password": pisaCreds.Password, "id": pisaCreds.ID,
		"name": pisaProfile.Name, "shortName": pisaProfile.ShortName, "country": pisaProfile.Country,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeSession(t, rec)
	assert.Equal(t, "university", created.Kind)
	require.NotEmpty(t, created.Token)

	rec = doJSON(t, router, http.MethodPost, "/sessions", "", map[string]string{
		"password": pisaCreds.Password, "id": pisaCreds.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	login := decodeSession(t, rec)
	assert.Equal(t, created.Account, login.Account)

	rec = doJSON(t, router, http.MethodGet, "/sessions/current", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, login.Account, decodeSession(t, rec).Account)

	rec = doJSON(t, router, http.MethodDelete, "/sessions/current", login.Token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/sessions/current", login.Token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHandlerRequiresBearerToken(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/permissions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/permissions", "unknown-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerMapsBusinessErrors(t *testing.T) {
	_, router := newTestRouter(t)
	register := map[string]string{
		"password": acmeCreds.Password, "id": acmeCreds.ID,
		"name": acmeProfile.Name, "country": acmeProfile.Country, "sector": acmeProfile.Sector,
	}

	rec := doJSON(t, router, http.MethodPost, "/employers", "", register)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	employer := decodeSession(t, rec)

	rec = doJSON(t, router, http.MethodPost, "/employers", "", register)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/students", employer.Token, map[string]string{
		"password": adaCreds.Password, "id": adaCreds.ID,
		"name": adaProfile.Name, "surname": adaProfile.Surname, "birthDate": adaProfile.BirthDate,
		"birthPlace": adaProfile.BirthPlace, "country": adaProfile.Country,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/sessions", "", map[string]string{
		"password": "nobody", "id": "nobody", "kind": "student",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestHandlerRejectsMalformedInput(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/sessions", "", map[string]string{
		"password": "x", "id": "y", "unexpected": "field",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/sessions", "", map[string]string{
		"password": "x", "id": "y", "kind": "admin",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/students/not-an-address/access/0x0000000000000000000000000000000000000001", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPredictAddress(t *testing.T) {
	_, router := newTestRouter(t)
	owner, err := identity.Derive(pisaCreds.Password, pisaCreds.ID)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/accounts/predict", "", predictRequest{
		Kind:    "university",
		Owner:   owner.Address().Hex(),
		Profile: pisaProfile.Fields(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp accountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, PredictAddress(owner.Address(), pisaProfile).Hex(), resp.Account)

	rec = doJSON(t, router, http.MethodPost, "/accounts/predict", "", predictRequest{
		Kind:    "university",
		Owner:   owner.Address().Hex(),
		Profile: []string{"only one"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerEnrollmentBatch(t *testing.T) {
	h, router := newTestRouter(t)
	uni := h.university(t)
	student := h.student(t, uni)
	h.grant(t, student, uni, contracts.RoleWrite)

	rec := doJSON(t, router, http.MethodPost, "/students/"+student.Account.Hex()+"/enrollments", uni.Token, map[string]any{
		"enrollments": []map[string]any{
			{"courseCode": "CS101", "courseName": "Programming", "degreeCourse": "Computer Science", "credits": 6},
			{"courseCode": "CS102", "courseName": "Databases", "degreeCourse": "Computer Science", "credits": 0},
		},
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	var batch batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, 1, batch.Succeeded)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, 1, batch.Failures[0].Index)

	rec = doJSON(t, router, http.MethodGet, "/students/"+student.Account.Hex()+"/results", student.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var results struct {
		Results []struct {
			CourseCode string  `json:"courseCode"`
			Credits    float64 `json:"credits"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results.Results, 1)
	assert.Equal(t, "CS101", results.Results[0].CourseCode)
	assert.InDelta(t, 6.0, results.Results[0].Credits, 1e-9)

	rec = doJSON(t, router, http.MethodGet, "/students/"+student.Account.Hex()+"/access/"+uni.Account.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"role":"write"}`, rec.Body.String())

	rec = doJSON(t, router, http.MethodDelete, "/permissions/grants/"+uni.Account.Hex(), student.Token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/students/"+student.Account.Hex()+"/profile", uni.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/students/"+common.Address{}.Hex()+"/profile", uni.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
