package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURL(t *testing.T) {
	c := newTestClient(t, "http://localhost:11434/api/generate")
	assert.Equal(t, "http://localhost:11434", c.BaseURL())

	c = newTestClient(t, "http://ollama.internal:11434/")
	assert.Equal(t, "http://ollama.internal:11434", c.BaseURL())
}

func TestProbe_ModelLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"nomic-embed-text:latest"},{"name":"Llama3.1:8b-instruct-q4"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/generate")
	res, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.True(t, res.ModelLoaded)
	assert.Len(t, res.Models, 2)
}

func TestProbe_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"mistral:7b"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/generate")
	res := c.LogProbe(context.Background())
	assert.True(t, res.Reachable)
	assert.False(t, res.ModelLoaded)
}

func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url+"/api/generate")
	_, err := c.Probe(context.Background())
	require.Error(t, err)

	res := c.LogProbe(context.Background())
	assert.False(t, res.Reachable)
}

func TestProbe_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/generate")
	_, err := c.Probe(context.Background())
	require.Error(t, err)
}
