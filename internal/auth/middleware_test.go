package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, header string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	verifier, err := NewSharedSecret("s3cret")
	if err != nil {
		t.Fatalf("NewSharedSecret() error = %v", err)
	}
	var seen *Identity
	handler := Middleware(nil, verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if ok {
			seen = &identity
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/ada", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusBadRequest},
		{name: "wrong scheme", header: "Basic s3cret", status: http.StatusBadRequest},
		{name: "empty token", header: "Bearer   ", status: http.StatusBadRequest},
		{name: "invalid token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer s3cret", status: http.StatusNoContent},
		{name: "case-insensitive scheme", header: "bearer s3cret", status: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, seen := serve(t, tc.header)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rec.Code, rec.Body.String())
			}
			if tc.status != http.StatusNoContent {
				if seen != nil {
					t.Fatal("handler must not run for rejected requests")
				}
				var body map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body["detail"] == "" {
					t.Fatalf("expected detail in body, got %s", rec.Body.String())
				}
			}
		})
	}
}

func TestMiddlewareStoresIdentity(t *testing.T) {
	_, seen := serve(t, "Bearer s3cret")
	if seen == nil || !seen.Service {
		t.Fatalf("expected service identity in context, got %+v", seen)
	}
}
