// Package publish implements component E: the two-phase publish
// coordinator. Signing stays client-side (the server never holds a private
// key); this file implements the optional server-side verification of the
// client's signatures against a repository's registered public key (see
// SPEC_FULL.md SUPPLEMENTED FEATURES #1, resolving spec §9's open question).
package publish

import (
	"bytes"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/aptpub/controlplane/internal/apterr"
)

// VerifyDetached checks sig as a detached OpenPGP signature of body against
// armoredPublicKey. A non-nil error is always apterr.SignatureInvalid.
func VerifyDetached(armoredPublicKey string, body, sig []byte) error {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredPublicKey))
	if err != nil {
		return apterr.Wrap(apterr.SignatureInvalid, "reading signing key", err)
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(body), bytes.NewReader(sig), nil); err != nil {
		return apterr.Wrap(apterr.SignatureInvalid, "detached signature did not verify", err)
	}
	return nil
}

// VerifyClearsigned checks that clearsigned is a valid clearsign envelope
// around exactly expectedBody (modulo a single trailing newline, per the
// clearsign convention spec §4.E step 2 calls out) signed by
// armoredPublicKey.
func VerifyClearsigned(armoredPublicKey string, clearsigned, expectedBody []byte) error {
	block, _ := clearsign.Decode(clearsigned)
	if block == nil {
		return apterr.New(apterr.SignatureInvalid, "not a valid clearsign envelope")
	}
	if !bytes.Equal(trimOneTrailingNewline(block.Plaintext), trimOneTrailingNewline(expectedBody)) {
		return apterr.New(apterr.SignatureInvalid, "clearsigned body does not match the committed release")
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredPublicKey))
	if err != nil {
		return apterr.Wrap(apterr.SignatureInvalid, "reading signing key", err)
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
		return apterr.Wrap(apterr.SignatureInvalid, "clearsigned signature did not verify", err)
	}
	return nil
}

func trimOneTrailingNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}
