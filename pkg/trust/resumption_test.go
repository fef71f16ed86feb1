package trust

import (
	"bytes"
	"testing"
)

func TestResumptionMAC(t *testing.T) {
	prev := bytes.Repeat([]byte{0x11}, 32)
	cur := bytes.Repeat([]byte{0x22}, 32)

	client, err := ComputeResumptionMAC(prev, cur, RoleClient)
	if err != nil {
		t.Fatal(err)
	}
	server, err := ComputeResumptionMAC(prev, cur, RoleServer)
	if err != nil {
		t.Fatal(err)
	}
	if len(client) != ResumptionMACSize || len(server) != ResumptionMACSize {
		t.Fatalf("MAC sizes %d/%d", len(client), len(server))
	}
	if bytes.Equal(client, server) {
		t.Error("client and server MACs are equal")
	}

	if !VerifyResumptionMAC(client, prev, cur, RoleClient) {
		t.Error("valid client MAC rejected")
	}
	if VerifyResumptionMAC(client, prev, cur, RoleServer) {
		t.Error("client MAC accepted for server role")
	}
	if VerifyResumptionMAC(client, cur, prev, RoleClient) {
		t.Error("MAC accepted with swapped contexts")
	}
}

func TestResumptionMAC_BitFlip(t *testing.T) {
	prev := bytes.Repeat([]byte{0xa5}, 32)
	cur := bytes.Repeat([]byte{0x5a}, 32)
	mac, err := ComputeResumptionMAC(prev, cur, RoleClient)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(mac)*8; i++ {
		bad := append([]byte(nil), mac...)
		bad[i/8] ^= 1 << (i % 8)
		if VerifyResumptionMAC(bad, prev, cur, RoleClient) {
			t.Fatalf("MAC with bit %d flipped accepted", i)
		}
	}

	otherPrev := append([]byte(nil), prev...)
	otherPrev[0] ^= 0x01
	if VerifyResumptionMAC(mac, otherPrev, cur, RoleClient) {
		t.Error("MAC accepted for a different previous session")
	}
}

func TestResumptionMAC_Length(t *testing.T) {
	prev := bytes.Repeat([]byte{1}, 32)
	cur := bytes.Repeat([]byte{2}, 32)
	mac, _ := ComputeResumptionMAC(prev, cur, RoleClient)

	for _, n := range []int{0, 16, 31, 33} {
		var in []byte
		if n <= len(mac) {
			in = mac[:n]
		} else {
			in = append(append([]byte(nil), mac...), 0)
		}
		if VerifyResumptionMAC(in, prev, cur, RoleClient) {
			t.Errorf("%d-byte MAC accepted", n)
		}
	}
}
