package sigverify

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestRecover_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256Hash([]byte("payload"))
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got != want {
		t.Fatalf("recovered %s want %s", got.Hex(), want.Hex())
	}
}

func TestRecover_LegacyVValues(t *testing.T) {
	// Wallets commonly emit V as 27/28 instead of 0/1.
	key, _ := crypto.GenerateKey()
	want := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256Hash([]byte("payload"))
	sig, _ := crypto.Sign(digest.Bytes(), key)
	sig[64] += 27

	got, err := Recover(digest, sig)
	if err != nil {
		t.Fatalf("Recover with legacy V: %v", err)
	}
	if got != want {
		t.Fatalf("recovered %s want %s", got.Hex(), want.Hex())
	}
}

func TestRecover_WrongDigest(t *testing.T) {
	key, _ := crypto.GenerateKey()
	want := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256Hash([]byte("payload"))
	sig, _ := crypto.Sign(digest.Bytes(), key)

	other := crypto.Keccak256Hash([]byte("different payload"))
	got, err := Recover(other, sig)
	if err == nil && got == want {
		t.Fatal("signature over one digest recovered the signer from another")
	}
}

func TestRecover_BadLength(t *testing.T) {
	_, err := Recover(common.Hash{}, make([]byte, 64))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	_, err = Recover(common.Hash{}, nil)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for nil sig, got %v", err)
	}
}

func TestRecover_GarbageSignature(t *testing.T) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = 0xff
	}
	if _, err := Recover(crypto.Keccak256Hash([]byte("x")), sig); err == nil {
		t.Fatal("garbage signature recovered without error")
	}
}
