package circulation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1")
	RegisterRoutes(api, svc)
	RegisterStaffRoutes(api, svc)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerBorrow(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f.svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/borrow",
		`{"book_id":"B1","student_id":"S1","secret":"pw-s1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res ActionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "The Go Programming Language", res.Title)
}

func TestHandlerBorrowWrongSecret(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f.svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/borrow",
		`{"book_id":"B1","student_id":"S1","secret":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var res errorDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, CodeUnauthorized, res.Error.Code)
}

func TestHandlerBorrowMissingFields(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f.svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/borrow", `{"book_id":"B1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerScanNotFound(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f.svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/scan/NOPE", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var res errorDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, CodeNotFound, res.Error.Code)
}

func TestHandlerEnqueueAndListQueue(t *testing.T) {
	f := newFixture()
	r := newTestRouter(f.svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/queue",
		`{"book_id":"B1","student_id":"S2"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var res QueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Position)

	w = doJSON(t, r, http.MethodGet, "/api/v1/queue/B1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var queue []WaitEntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, "S2", queue[0].StudentID)
}
