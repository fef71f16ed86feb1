package kex

import (
	"bytes"
	"errors"
	"testing"
)

// runHandshake performs a full exchange and returns both keys.
func runHandshake(t *testing.T) (SessionKey, SessionKey) {
	t.Helper()
	suite := X25519Suite{}

	initiator, err := suite.NewInitiator()
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	resp, err := suite.NewResponder()
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	s1, err := initiator.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s1.State != StateInProgress || len(s1.Next) == 0 {
		t.Fatalf("Start step = %+v", s1)
	}

	s2, err := resp.Continue(s1.Next)
	if err != nil {
		t.Fatalf("responder Continue: %v", err)
	}
	if s2.State != StateVerificationNeeded {
		t.Fatalf("responder state = %v, want VerificationNeeded", s2.State)
	}

	s3, err := initiator.Continue(s2.Next)
	if err != nil {
		t.Fatalf("initiator Continue: %v", err)
	}
	if s3.State != StateVerificationNeeded {
		t.Fatalf("initiator state = %v, want VerificationNeeded", s3.State)
	}

	if s2.VerificationCode != s3.VerificationCode {
		t.Errorf("codes differ: %q vs %q", s2.VerificationCode, s3.VerificationCode)
	}
	if len(s2.VerificationCode) != VerificationCodeDigits {
		t.Errorf("code %q has wrong length", s2.VerificationCode)
	}

	v1, err := initiator.Verify()
	if err != nil {
		t.Fatalf("initiator Verify: %v", err)
	}
	v2, err := resp.Verify()
	if err != nil {
		t.Fatalf("responder Verify: %v", err)
	}
	if v1.State != StateFinished || v1.Key == nil || v2.State != StateFinished || v2.Key == nil {
		t.Fatal("expected finished handshakes with keys")
	}
	return v1.Key, v2.Key
}

func TestX25519Handshake(t *testing.T) {
	ik, rk := runHandshake(t)

	if !bytes.Equal(ik.Unique(), rk.Unique()) {
		t.Error("session unique bytes differ")
	}

	for i, msg := range [][]byte{[]byte("escrow token"), {}, bytes.Repeat([]byte{7}, 1000)} {
		ct, err := ik.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := rk.Decrypt(ct)
		if err != nil {
			t.Fatalf("msg %d Decrypt: %v", i, err)
		}
		if !bytes.Equal(pt, msg) {
			t.Errorf("msg %d mismatch", i)
		}
	}

	ct, _ := rk.Encrypt([]byte("handle"))
	if pt, err := ik.Decrypt(ct); err != nil || string(pt) != "handle" {
		t.Errorf("responder to initiator: %q, %v", pt, err)
	}
}

func TestX25519TamperedCiphertext(t *testing.T) {
	ik, rk := runHandshake(t)
	ct, _ := ik.Encrypt([]byte("secret"))
	ct[0] ^= 1
	if _, err := rk.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("err = %v, want ErrDecrypt", err)
	}
}

func TestX25519ReplayRejected(t *testing.T) {
	ik, rk := runHandshake(t)
	ct, _ := ik.Encrypt([]byte("once"))
	if _, err := rk.Decrypt(ct); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if _, err := rk.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("replay: err = %v, want ErrDecrypt", err)
	}
}

func TestX25519RestoreKey(t *testing.T) {
	_, rk := runHandshake(t)
	data, err := rk.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	restored, err := X25519Suite{}.RestoreKey(data)
	if err != nil {
		t.Fatalf("RestoreKey: %v", err)
	}
	if !bytes.Equal(restored.Unique(), rk.Unique()) {
		t.Error("restored unique bytes differ")
	}

	if _, err := (X25519Suite{}).RestoreKey([]byte{0x01}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("garbage: err = %v, want ErrInvalidKey", err)
	}
}

func TestX25519SessionsAreUnique(t *testing.T) {
	a, _ := runHandshake(t)
	b, _ := runHandshake(t)
	if bytes.Equal(a.Unique(), b.Unique()) {
		t.Error("two sessions produced the same unique bytes")
	}
}

func TestX25519InvalidState(t *testing.T) {
	suite := X25519Suite{}

	resp, _ := suite.NewResponder()
	if _, err := resp.Start(); !errors.Is(err, ErrWrongRole) {
		t.Errorf("responder Start: err = %v, want ErrWrongRole", err)
	}
	if _, err := resp.Verify(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("early Verify: err = %v, want ErrInvalidState", err)
	}
	if _, err := resp.Continue([]byte("x")); !errors.Is(err, ErrInvalidated) {
		t.Errorf("after failure: err = %v, want ErrInvalidated", err)
	}

	resp2, _ := suite.NewResponder()
	if _, err := resp2.Continue([]byte{0xa0}); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("malformed: err = %v, want ErrMalformedMessage", err)
	}

	initiator, _ := suite.NewInitiator()
	if _, err := initiator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initiator.Invalidate()
	if _, err := initiator.Continue([]byte("x")); !errors.Is(err, ErrInvalidated) {
		t.Errorf("invalidated: err = %v, want ErrInvalidated", err)
	}
}
