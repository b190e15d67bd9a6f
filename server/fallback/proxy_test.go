package fallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectMode(t *testing.T) {
	proxy, err := New("http://origin.example:9999/prefix/", false)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/files/a/b", nil)
	w := httptest.NewRecorder()

	served := proxy.TryServe(context.Background(), w, r, "/a/b")
	assert.True(t, served)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "http://origin.example:9999/prefix/a/b", w.Header().Get("Location"))
}

func TestPassthroughHit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/a/b", r.URL.Path)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 +0000")
		w.Header().Set("Logical-Size", "5")
		w.Write([]byte("hello"))
	}))
	defer origin.Close()

	proxy, err := New(origin.URL, true)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/files/a/b", nil)
	w := httptest.NewRecorder()

	served := proxy.TryServe(context.Background(), w, r, "/a/b")
	assert.True(t, served)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "5", w.Header().Get("Logical-Size"))
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 +0000", w.Header().Get("Last-Modified"))
}

func TestPassthroughHeadOmitsBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("never sent"))
	}))
	defer origin.Close()

	proxy, err := New(origin.URL, true)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodHead, "/files/a", nil)
	w := httptest.NewRecorder()

	served := proxy.TryServe(context.Background(), w, r, "/a")
	assert.True(t, served)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestPassthroughMiss(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	proxy, err := New(origin.URL, true)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/files/a", nil)
	w := httptest.NewRecorder()

	assert.False(t, proxy.TryServe(context.Background(), w, r, "/a"))
}

func TestPassthroughUpstreamFault(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	proxy, err := New(origin.URL, true)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/files/a", nil)
	w := httptest.NewRecorder()

	served := proxy.TryServe(context.Background(), w, r, "/a")
	assert.True(t, served)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestUnreachableOrigin(t *testing.T) {
	proxy, err := New("http://127.0.0.1:1", true)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/files/a", nil)
	w := httptest.NewRecorder()

	served := proxy.TryServe(context.Background(), w, r, "/a")
	assert.True(t, served)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
