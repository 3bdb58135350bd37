package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

var (
	ErrInvalidPublicKey = errors.New("invalid device public key")
	ErrInvalidSignature = errors.New("invalid attach signature")
)

// VerifyAttachSignature checks that the device holding the registered ed25519
// key signed the gateway's challenge nonce. All inputs are base64 (std).
func VerifyAttachSignature(publicKeyB64, nonceB64, signatureB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) == 0 {
		return ErrInvalidSignature
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), nonce, signature) {
		return ErrInvalidSignature
	}
	return nil
}
