package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

func TestVerifierClient_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/verify", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "capture.jpg", header.Filename)
		assert.JSONEq(t, `{"count":2,"label":"aspirin"}`, r.FormValue("expected"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pass_":true,"count":2,"classesDetected":[{"label":"aspirin","n":2}],"confidence":0.93}`))
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 5*time.Second, zap.NewNop())
	resp, err := client.Verify([]byte("jpegbytes"), models.PillConfig{Count: 2, Label: "aspirin"})
	require.NoError(t, err)

	assert.True(t, resp.Pass)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, []models.ClassCount{{Label: "aspirin", N: 2}}, resp.ClassesDetected)
	assert.InDelta(t, 0.93, resp.Confidence, 0.001)
}

func TestVerifierClient_NonOKIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, 5*time.Second, zap.NewNop())
	_, err := client.Verify([]byte("jpegbytes"), models.PillConfig{Count: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerifierUnreachable)
}

func TestVerifierClient_ConnectionRefusedIsUnreachable(t *testing.T) {
	// 端口没人监听
	client := NewVerifierClient("http://127.0.0.1:1", time.Second, zap.NewNop())
	_, err := client.Verify([]byte("jpegbytes"), models.PillConfig{Count: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerifierUnreachable)
}

func TestVerifierClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewVerifierClient(srv.URL, time.Second, zap.NewNop())
	assert.NoError(t, client.Health())
}
