package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "lendingd-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		Issuer:         "lend-issuer",
		Audience:       "lendingd",
		OptionalPaths:  []string{"/healthz"},
		AllowAnonymous: true,
	}, nil)

	var seenSubject string
	handler := auth.Middleware("quotes")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSubject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	exp := time.Now().Add(time.Hour).Unix()
	valid := jwt.MapClaims{"iss": "lend-issuer", "aud": "lendingd", "sub": "dash", "scope": "quotes reads", "exp": exp}

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "valid", path: "/v1/quotes/collateral", header: "Bearer " + signToken(t, valid), want: http.StatusOK},
		{name: "missing", path: "/v1/quotes/collateral", want: http.StatusUnauthorized},
		{name: "anonymous health", path: "/healthz", want: http.StatusOK},
		{name: "wrong issuer", path: "/v1/quotes/collateral", header: "Bearer " + signToken(t, jwt.MapClaims{
			"iss": "other", "aud": "lendingd", "scope": "quotes", "exp": exp,
		}), want: http.StatusUnauthorized},
		{name: "expired", path: "/v1/quotes/collateral", header: "Bearer " + signToken(t, jwt.MapClaims{
			"iss": "lend-issuer", "aud": "lendingd", "scope": "quotes", "exp": time.Now().Add(-time.Hour).Unix(),
		}), want: http.StatusUnauthorized},
		{name: "no expiry", path: "/v1/quotes/collateral", header: "Bearer " + signToken(t, jwt.MapClaims{
			"iss": "lend-issuer", "aud": "lendingd", "scope": "quotes",
		}), want: http.StatusUnauthorized},
		{name: "missing scope", path: "/v1/quotes/collateral", header: "Bearer " + signToken(t, jwt.MapClaims{
			"iss": "lend-issuer", "aud": []string{"lendingd"}, "scope": "reads", "exp": exp,
		}), want: http.StatusForbidden},
		{name: "bad scheme", path: "/v1/quotes/collateral", header: "Basic abc", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seenSubject = ""
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, res.Code, res.Body.String())
			}
			if tc.name == "valid" && seenSubject != "dash" {
				t.Fatalf("expected subject in context, got %q", seenSubject)
			}
		})
	}
}

func TestAuthenticatorDisabled(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	handler := auth.Middleware("quotes")(okHandler())
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/loans", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected disabled auth to pass, got %d", res.Code)
	}
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://dash.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/loans", nil)
	req.Header.Set("Origin", "https://dash.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent || res.Header().Get("Access-Control-Allow-Origin") != "https://dash.example" {
		t.Fatalf("unexpected preflight response %d %v", res.Code, res.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for unknown origin, got %q", got)
	}
}
