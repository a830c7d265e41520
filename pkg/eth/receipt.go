package eth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrReceiptSignature = errors.New("receipt signature mismatch")

// Receipt records the payout of a settled prediction for downstream
// payout collaborators.
type Receipt struct {
	PredictionID string `json:"prediction_id"`
	Status       string `json:"status"`
	DataProvider string `json:"data_provider,omitempty"`
	ModelCreator string `json:"model_creator,omitempty"`
	DataAmount   string `json:"data_amount"`
	ModelAmount  string `json:"model_amount"`
	PoolAmount   string `json:"pool_amount"`
	Attestor     string `json:"attestor,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// SignedReceipt is a receipt with its HMAC.
type SignedReceipt struct {
	Receipt   Receipt `json:"receipt"`
	Signature string  `json:"signature"`
}

// ReceiptSigner signs receipts with HMAC-SHA256.
type ReceiptSigner struct {
	secret []byte
}

// NewReceiptSigner creates a signer from a base64 encoded secret.
func NewReceiptSigner(secret string) (*ReceiptSigner, error) {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("decode secret: %w", err)
		}
	}
	if len(key) == 0 {
		return nil, errors.New("receipt secret is empty")
	}
	return &ReceiptSigner{secret: key}, nil
}

// Sign returns r with its signature.
func (s *ReceiptSigner) Sign(r Receipt) (*SignedReceipt, error) {
	mac, err := s.mac(r)
	if err != nil {
		return nil, err
	}
	return &SignedReceipt{Receipt: r, Signature: base64.URLEncoding.EncodeToString(mac)}, nil
}

// Verify checks the signature of sr.
func (s *ReceiptSigner) Verify(sr *SignedReceipt) error {
	got, err := base64.URLEncoding.DecodeString(sr.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptSignature, err)
	}
	want, err := s.mac(sr.Receipt)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return ErrReceiptSignature
	}
	return nil
}

func (s *ReceiptSigner) mac(r Receipt) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	m := hmac.New(sha256.New, s.secret)
	m.Write(body)
	return m.Sum(nil), nil
}
