package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// callbackHandler разбирает форму уведомления и отвечает JSON с полученным статусом.
func callbackHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"order_id": r.PostForm.Get("order_id"),
			"status":   r.PostForm.Get("status"),
		})
	}
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware_CoinGateCallback(t *testing.T) {
	const form = "id=R1&order_id=42&status=paid&token=abc&price_amount=100.00"

	tests := []struct {
		name         string
		compressBody bool
		acceptGzip   bool
		wantEncoding string
	}{
		{name: "plain callback, plain ack"},
		{name: "plain callback, gzip ack", acceptGzip: true, wantEncoding: "gzip"},
		{name: "gzip callback, plain ack", compressBody: true},
		{name: "gzip callback, gzip ack", compressBody: true, acceptGzip: true, wantEncoding: "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(form)
			if tt.compressBody {
				body = gzipBytes(t, form)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/coingate", body)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(callbackHandler(t)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status: got %d want %d", res.StatusCode, http.StatusOK)
			}
			if ct := res.Header.Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content-type: got %q", ct)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}

			var reader io.Reader = res.Body
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			var ack map[string]string
			if err := json.NewDecoder(reader).Decode(&ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			if ack["order_id"] != "42" || ack["status"] != "paid" {
				t.Fatalf("handler saw %+v", ack)
			}
		})
	}
}

func TestGzipMiddleware_CorruptBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/coingate", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not be called for corrupt gzip body")
	})).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
}
