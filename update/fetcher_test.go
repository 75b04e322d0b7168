package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPFetcherReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil)
	body, err := f.Fetch(context.Background(), srv.URL)
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestHTTPFetcherErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}
