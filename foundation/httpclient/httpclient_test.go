package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestGetJSON(t *testing.T) {
	is := is.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"test"}`))
	}))
	defer server.Close()

	var response struct {
		Name string `json:"name"`
	}
	client := New(time.Second, 1)
	err := client.GetJSON(context.Background(), server.URL, &response)
	is.NoErr(err)
	is.Equal(response.Name, "test")
}

func TestGetJSON_retriesServerErrors(t *testing.T) {
	is := is.New(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"name":"recovered"}`))
	}))
	defer server.Close()

	var response struct {
		Name string `json:"name"`
	}
	client := New(time.Second, 2)
	err := client.GetJSON(context.Background(), server.URL, &response)
	is.NoErr(err)
	is.Equal(response.Name, "recovered")
	is.Equal(atomic.LoadInt32(&calls), int32(2))
}

func TestGetJSON_doesNotRetryClientErrors(t *testing.T) {
	is := is.New(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var response struct{}
	client := New(time.Second, 3)
	err := client.GetJSON(context.Background(), server.URL, &response)
	is.True(err != nil)
	is.Equal(atomic.LoadInt32(&calls), int32(1))
}

func TestGetJSON_sendsBearerToken(t *testing.T) {
	is := is.New(t)
	var sawAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var response struct{}
	client := NewWithBearerToken(time.Second, 1, "secret-token")
	err := client.GetJSON(context.Background(), server.URL, &response)
	is.NoErr(err)
	is.Equal(sawAuth, "Bearer secret-token")
}
