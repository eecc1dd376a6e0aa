package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromHeaderValidBearer(t *testing.T) {
	t.Parallel()

	credential, err := FromHeader("Bearer sk-test-123")
	if err != nil {
		t.Fatalf("FromHeader() error: %v", err)
	}
	if credential.Key != "sk-test-123" {
		t.Fatalf("credential.Key=%q, want sk-test-123", credential.Key)
	}
	if len(credential.Fingerprint) != 16 {
		t.Fatalf("fingerprint length=%d, want 16", len(credential.Fingerprint))
	}
}

func TestFromHeaderBearerSchemeIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	credential, err := FromHeader("bearer sk-test-123")
	if err != nil {
		t.Fatalf("FromHeader() error: %v", err)
	}
	if credential.Key != "sk-test-123" {
		t.Fatalf("credential.Key=%q, want sk-test-123", credential.Key)
	}
}

func TestFromHeaderMissing(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"", "   "} {
		_, err := FromHeader(value)
		if !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("FromHeader(%q) error=%v, want ErrMissingCredential", value, err)
		}
	}
}

func TestFromHeaderMalformed(t *testing.T) {
	t.Parallel()

	cases := []string{
		"sk-no-scheme",
		"Basic dXNlcjpwYXNz",
		"Bearer ",
		"Bearer",
	}
	for _, value := range cases {
		_, err := FromHeader(value)
		if !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("FromHeader(%q) error=%v, want ErrMalformedCredential", value, err)
		}
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	t.Parallel()

	a := Fingerprint("sk-test-123")
	b := Fingerprint("sk-test-123")
	if a != b {
		t.Fatalf("same key produced different fingerprints: %q vs %q", a, b)
	}
	if Fingerprint("sk-other") == a {
		t.Fatal("distinct keys produced the same fingerprint")
	}
}

func TestFromRequestUsesAuthorizationHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer in-request")

	credential, err := FromRequest(req)
	if err != nil {
		t.Fatalf("FromRequest() error: %v", err)
	}
	if credential.Key != "in-request" {
		t.Fatalf("credential.Key=%q, want in-request", credential.Key)
	}
}

func TestAdminTokenAuthorize(t *testing.T) {
	t.Parallel()

	admin := NewAdminToken("secret-token")
	if !admin.Enabled() {
		t.Fatal("admin token should be enabled")
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	if !admin.Authorize(req) {
		t.Fatal("matching token should authorize")
	}

	req.Header.Set("Authorization", "Bearer wrong-token")
	if admin.Authorize(req) {
		t.Fatal("wrong token should not authorize")
	}

	req.Header.Del("Authorization")
	if admin.Authorize(req) {
		t.Fatal("missing header should not authorize")
	}
}

func TestAdminTokenDisabledWhenEmpty(t *testing.T) {
	t.Parallel()

	admin := NewAdminToken("   ")
	if admin.Enabled() {
		t.Fatal("blank token should disable the admin surface")
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer ")
	if admin.Authorize(req) {
		t.Fatal("disabled admin token should never authorize")
	}
}
