package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBody(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		require.NoError(t, err)
		defer gr.Close()
		r = gr
	}
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(body)
}

func TestGzipMiddleware_Responses(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.HandlerFunc
		accept       string
		wantStatus   int
		wantEncoding string
		wantType     string
		wantBody     string
	}{
		{
			name: "json compressed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":"b1"}`))
			},
			accept:       "gzip, deflate",
			wantStatus:   http.StatusCreated,
			wantEncoding: "gzip",
			wantType:     "application/json",
			wantBody:     `{"id":"b1"}`,
		},
		{
			name: "json left as is without accept-encoding",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"b1"}`))
			},
			wantStatus: http.StatusOK,
			wantType:   "application/json",
			wantBody:   `{"id":"b1"}`,
		},
		{
			name: "binary not compressed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/pdf")
				_, _ = w.Write([]byte("%PDF-1.7"))
			},
			accept:     "gzip",
			wantStatus: http.StatusOK,
			wantType:   "application/pdf",
			wantBody:   "%PDF-1.7",
		},
		{
			name: "content type sniffed from body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("wallet topped up"))
			},
			accept:       "gzip",
			wantStatus:   http.StatusOK,
			wantEncoding: "gzip",
			wantType:     "text/plain; charset=utf-8",
			wantBody:     "wallet topped up",
		},
		{
			name: "no content passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNoContent)
			},
			accept:     "gzip",
			wantStatus: http.StatusNoContent,
			wantType:   "application/json",
		},
		{
			name: "not modified passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusNotModified)
			},
			accept:     "gzip",
			wantStatus: http.StatusNotModified,
			wantType:   "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Encoding", tt.accept)
			}
			rec := httptest.NewRecorder()

			GzipMiddleware(tt.handler).ServeHTTP(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))
			assert.Equal(t, tt.wantType, res.Header.Get("Content-Type"))
			if tt.wantEncoding == "gzip" {
				assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
			}
			assert.Equal(t, tt.wantBody, readBody(t, res))
		})
	}
}

func TestGzipMiddleware_RequestBody(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})

	t.Run("compressed body is unpacked", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/cart", gzipBody(t, `{"book_id":"b1"}`))
		req.Header.Set("Content-Encoding", "gzip")
		rec := httptest.NewRecorder()

		GzipMiddleware(echo).ServeHTTP(rec, req)

		res := rec.Result()
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, `{"book_id":"b1"}`, readBody(t, res))
	})

	t.Run("corrupt body is rejected", func(t *testing.T) {
		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

		req := httptest.NewRequest(http.MethodPost, "/api/cart", strings.NewReader(`{"book_id":"b1"}`))
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()

		GzipMiddleware(next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, called)
	})
}
