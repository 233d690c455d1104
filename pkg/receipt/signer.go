package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"modelgate/pkg/models"
)

// SignaturePayload is the canonical byte form a receipt signature binds:
// every receipt field except the signature itself.
func SignaturePayload(r models.Receipt) ([]byte, error) {
	r.Signature = models.ReceiptSignature{}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt payload: %w", err)
	}
	canon, err := models.CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt payload: %w", err)
	}
	return canon, nil
}

// Signer signs receipts with the gateway's ed25519 key.
type Signer struct {
	Key ed25519.PrivateKey
	Kid string
}

func (s Signer) Sign(r *models.Receipt) error {
	if len(s.Key) != ed25519.PrivateKeySize {
		return errors.New("signer key missing or malformed")
	}
	payload, err := SignaturePayload(*r)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.Key, payload)
	r.Signature = models.ReceiptSignature{
		Alg: "ed25519",
		Kid: s.Kid,
		Sig: base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// Verify checks a receipt signature against the gateway public key.
func Verify(pub ed25519.PublicKey, r models.Receipt) error {
	if r.Signature.Alg != "ed25519" {
		return errors.New("unsupported signature alg")
	}
	payload, err := SignaturePayload(r)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(r.Signature.Sig)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sigBytes) {
		return errors.New("invalid receipt signature")
	}
	return nil
}
