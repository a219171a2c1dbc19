package auth

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/google/uuid"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/catalog/memstore"
)

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("abc")
	b := HashToken("abc")
	if a != b {
		t.Errorf("HashToken not deterministic: %q != %q", a, b)
	}
	if HashToken("abc") == HashToken("xyz") {
		t.Error("HashToken produced the same digest for different inputs")
	}
}

func TestGenerateTokenRoundTrips(t *testing.T) {
	token, hash, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if hash != HashToken(token) {
		t.Errorf("returned hash does not match HashToken(token)")
	}
}

func TestExtractTokenBearer(t *testing.T) {
	token, err := extractToken("Bearer sekret")
	if err != nil {
		t.Fatalf("extractToken: %v", err)
	}
	if token != "sekret" {
		t.Errorf("token = %q, want %q", token, "sekret")
	}
}

func TestExtractTokenBasic(t *testing.T) {
	creds := base64.StdEncoding.EncodeToString([]byte("anyuser:sekret"))
	token, err := extractToken("Basic " + creds)
	if err != nil {
		t.Fatalf("extractToken: %v", err)
	}
	if token != "sekret" {
		t.Errorf("token = %q, want %q", token, "sekret")
	}
}

func TestExtractTokenErrors(t *testing.T) {
	cases := []string{
		"",
		"Bearer ",
		"Basic not-base64!!!",
		"Basic " + base64.StdEncoding.EncodeToString([]byte("no-colon")),
		"Basic " + base64.StdEncoding.EncodeToString([]byte("user:")),
		"Token whatever",
	}
	for _, header := range cases {
		if _, err := extractToken(header); apterr.KindOf(err) != apterr.Unauthorized {
			t.Errorf("extractToken(%q) did not return Unauthorized, got %v", header, err)
		}
	}
}

func TestAuthenticateResolvesTenant(t *testing.T) {
	store := memstore.New()
	tenant := catalog.Tenant{ID: uuid.NewString(), DisplayName: "Acme", Subdomain: "acme"}
	store.SeedTenant(tenant, HashToken("sekret"))

	got, err := Authenticate(context.Background(), store, "Bearer sekret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != tenant.ID {
		t.Errorf("resolved tenant ID = %q, want %q", got.ID, tenant.ID)
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	store := memstore.New()
	_, err := Authenticate(context.Background(), store, "Bearer unknown")
	if apterr.KindOf(err) != apterr.Unauthorized {
		t.Errorf("expected Unauthorized for unknown token, got %v", err)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("expected equal digests to compare equal")
	}
	if ConstantTimeEqual("abc", "abd") {
		t.Error("expected different digests to compare unequal")
	}
}
