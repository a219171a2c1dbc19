package publish

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/aptpub/controlplane/internal/apterr"
)

// generateTestEntity builds a throwaway OpenPGP keypair for signing
// fixtures.
func generateTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Test", "test", "test@example.com", nil)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return entity
}

func armoredPublicKey(t *testing.T, entity *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor encode: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serializing public key: %v", err)
	}
	w.Close()
	return buf.String()
}

func detachSign(t *testing.T, entity *openpgp.Entity, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := openpgp.DetachSign(&buf, entity, bytes.NewReader(body), nil); err != nil {
		t.Fatalf("detach sign: %v", err)
	}
	return buf.Bytes()
}

func clearSign(t *testing.T, entity *openpgp.Entity, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, entity.PrivateKey, nil)
	if err != nil {
		t.Fatalf("clearsign encode: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatalf("clearsign write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("clearsign close: %v", err)
	}
	return buf.Bytes()
}

func TestVerifyDetachedValid(t *testing.T) {
	entity := generateTestEntity(t)
	body := []byte("Origin: aptpub\nSuite: stable\n")
	sig := detachSign(t, entity, body)

	if err := VerifyDetached(armoredPublicKey(t, entity), body, sig); err != nil {
		t.Fatalf("VerifyDetached: %v", err)
	}
}

func TestVerifyDetachedWrongKey(t *testing.T) {
	entity := generateTestEntity(t)
	other := generateTestEntity(t)
	body := []byte("Origin: aptpub\n")
	sig := detachSign(t, entity, body)

	err := VerifyDetached(armoredPublicKey(t, other), body, sig)
	if apterr.KindOf(err) != apterr.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for a signature from a different key, got %v", err)
	}
}

func TestVerifyDetachedTamperedBody(t *testing.T) {
	entity := generateTestEntity(t)
	body := []byte("Origin: aptpub\n")
	sig := detachSign(t, entity, body)

	err := VerifyDetached(armoredPublicKey(t, entity), []byte("Origin: tampered\n"), sig)
	if apterr.KindOf(err) != apterr.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for a tampered body, got %v", err)
	}
}

func TestVerifyDetachedMalformedKey(t *testing.T) {
	err := VerifyDetached("not a key", []byte("body"), []byte("sig"))
	if apterr.KindOf(err) != apterr.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for a malformed key, got %v", err)
	}
}

func TestVerifyClearsignedValid(t *testing.T) {
	entity := generateTestEntity(t)
	body := []byte("Origin: aptpub\nSuite: stable\n")
	clearsigned := clearSign(t, entity, body)

	if err := VerifyClearsigned(armoredPublicKey(t, entity), clearsigned, body); err != nil {
		t.Fatalf("VerifyClearsigned: %v", err)
	}
}

func TestVerifyClearsignedBodyMismatch(t *testing.T) {
	entity := generateTestEntity(t)
	body := []byte("Origin: aptpub\n")
	clearsigned := clearSign(t, entity, body)

	err := VerifyClearsigned(armoredPublicKey(t, entity), clearsigned, []byte("Origin: different\n"))
	if apterr.KindOf(err) != apterr.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for a body mismatch, got %v", err)
	}
}

func TestVerifyClearsignedNotAClearsignEnvelope(t *testing.T) {
	entity := generateTestEntity(t)
	err := VerifyClearsigned(armoredPublicKey(t, entity), []byte("just some plain text"), []byte("just some plain text"))
	if apterr.KindOf(err) != apterr.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for a non-clearsign input, got %v", err)
	}
}
