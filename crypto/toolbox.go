/*
NAME
  toolbox.go

DESCRIPTION
  Package crypto implements the SMP cryptographic toolbox: AES-128 in both
  the little-endian orientation SMP PDUs use and the big-endian orientation
  AES-CMAC needs, AES-CMAC itself, and the c1/s1/f4/f5/f6/g2/h6/ah derived
  functions from the Bluetooth Core Specification's Security Manager.

  Every function here is pure — no package-level state — so callers can
  invoke them freely from multiple goroutines.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package crypto implements the Security Manager cryptographic toolbox:
// AES-128, AES-CMAC, and the c1/s1/f4/f5/f6/g2/h6/ah derived functions used
// by LE Legacy Pairing, LE Secure Connections, and address resolution.
package crypto

import (
	"crypto/aes"

	"github.com/pkg/errors"
)

// reverse returns a new slice with b's bytes in reverse order.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// aesECBBlock runs a single AES-128 block encryption in standard
// (big-endian, as the AES spec defines it) byte order.
func aesECBBlock(key, block []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, errors.Errorf("aes: key must be 16 bytes, got %d", len(key))
	}
	if len(block) != 16 {
		return nil, errors.Errorf("aes: block must be 16 bytes, got %d", len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes: could not create cipher")
	}
	out := make([]byte, 16)
	c.Encrypt(out, block)
	return out, nil
}

// AES128BE is the raw big-endian AES-128 block primitive, used internally
// by AESCMAC. Exported because f4/f5/f6/g2 callers sometimes need the raw
// primitive directly for test vectors.
func AES128BE(key, block []byte) ([]byte, error) {
	return aesECBBlock(key, block)
}

// AES128LE is the SMP-oriented AES-128 primitive: it reverses both the key
// and the block into big-endian order before encrypting, then reverses the
// 16-byte result back to little-endian, so that callers can pass and
// receive SMP-order (little-endian) byte arrays directly.
func AES128LE(key, block []byte) ([]byte, error) {
	out, err := aesECBBlock(reverse(key), reverse(block))
	if err != nil {
		return nil, err
	}
	return reverse(out), nil
}

// constRb is the constant used by the AES-CMAC subkey generation (RFC 4493
// §2.3), for a 128-bit block cipher.
const constRb = 0x87

// leftShift1 left-shifts a 16-byte value by one bit, returning the result
// and the carry-out bit.
func leftShift1(b []byte) ([]byte, byte) {
	out := make([]byte, len(b))
	var carry byte
	for i := len(b) - 1; i >= 0; i-- {
		out[i] = (b[i] << 1) | carry
		carry = b[i] >> 7
	}
	return out, carry
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// subkeys computes K1, K2 per RFC 4493 §2.3 using the big-endian AES
// primitive (AES-CMAC itself operates entirely in big-endian byte order).
func subkeys(key []byte) (k1, k2 []byte, err error) {
	zero := make([]byte, 16)
	l, err := aesECBBlock(key, zero)
	if err != nil {
		return nil, nil, err
	}
	k1, carry := leftShift1(l)
	if carry != 0 {
		k1[15] ^= constRb
	}
	k2, carry = leftShift1(k1)
	if carry != 0 {
		k2[15] ^= constRb
	}
	return k1, k2, nil
}

// AESCMAC computes RFC 4493 AES-CMAC over msg using key, both in big-endian
// byte order (the natural order for AES-CMAC; SMP's derived functions pass
// big-endian-ordered X-coordinates, nonces and addresses to this directly).
func AESCMAC(key, msg []byte) ([]byte, error) {
	k1, k2, err := subkeys(key)
	if err != nil {
		return nil, err
	}

	var blocks [][]byte
	n := (len(msg) + 15) / 16
	complete := true
	if n == 0 {
		n = 1
		complete = false
	} else if len(msg)%16 != 0 {
		complete = false
	}
	for i := 0; i < n; i++ {
		start := i * 16
		end := start + 16
		if end > len(msg) {
			end = len(msg)
		}
		blocks = append(blocks, msg[start:end])
	}

	last := append([]byte{}, blocks[n-1]...)
	if complete {
		last = xorBytes(padFull(last), k1)
	} else {
		last = xorBytes(pad(last), k2)
	}

	iv := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		block := xorBytes(iv, padFull(blocks[i]))
		iv, err = aesECBBlock(key, block)
		if err != nil {
			return nil, err
		}
	}
	final := xorBytes(iv, last)
	return aesECBBlock(key, final)
}

// padFull returns b unchanged if it is already 16 bytes (used only when the
// caller has already confirmed the block is complete).
func padFull(b []byte) []byte {
	if len(b) == 16 {
		return b
	}
	return pad(b)
}

// pad applies RFC 4493's 10* padding: append a single 0x80 byte then zero
// bytes until the block is 16 bytes long.
func pad(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

// C1 implements the Legacy Pairing confirm function:
//
//	c1(k, r, preq, pres, iat, rat, ia, ra) =
//	    AES128LE(k, AES128LE(k, r XOR p1) XOR p2)
//
// with p1 = iat || rat || preq || pres (16 bytes, preq at the low end) and
// p2 = ra || ia || 0x00000000 (4 zero bytes at the high end).
func C1(k, r, preq, pres []byte, iat, rat byte, ia, ra [6]byte) ([]byte, error) {
	if len(k) != 16 || len(r) != 16 || len(preq) != 7 || len(pres) != 7 {
		return nil, errors.New("c1: invalid input length")
	}
	p1 := make([]byte, 16)
	copy(p1[0:7], pres)
	copy(p1[7:14], preq)
	p1[14] = rat
	p1[15] = iat

	p2 := make([]byte, 16)
	copy(p2[0:6], ra[:])
	copy(p2[6:12], ia[:])
	// bytes 12..15 are zero.

	step1 := xorBytes(r, p1)
	enc1, err := AES128LE(k, step1)
	if err != nil {
		return nil, err
	}
	step2 := xorBytes(enc1, p2)
	return AES128LE(k, step2)
}

// S1 implements the Legacy Pairing STK derivation: s1(k, r) = AES128LE(k, r)
// where r is the 16-byte concatenation of the low 8 bytes of Srand followed
// by the low 8 bytes of Mrand.
func S1(k []byte, srand, mrand [16]byte) ([]byte, error) {
	r := make([]byte, 16)
	copy(r[0:8], srand[0:8])
	copy(r[8:16], mrand[0:8])
	return AES128LE(k, r)
}

// F4 implements the SC confirm-value function f4(U, V, X, Z) = AES-CMAC_X(U
// || V || Z), where U and V are 32-byte P-256 X-coordinates (big-endian)
// and Z is a single byte: 0x00 for Numeric Comparison / Just Works, or
// 0x80|bit for a passkey-entry round.
func F4(u, v, x []byte, z byte) ([]byte, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 {
		return nil, errors.New("f4: invalid input length")
	}
	msg := make([]byte, 0, 65)
	msg = append(msg, u...)
	msg = append(msg, v...)
	msg = append(msg, z)
	return AESCMAC(x, msg)
}

// f5Salt is the fixed salt used as the AES-CMAC key for the first stage of
// F5 (Bluetooth Core Spec v5.3 Vol 3 Part H §2.2.7).
var f5Salt = []byte{
	0x6C, 0x88, 0x83, 0x91, 0xAA, 0xF5, 0xA5, 0x38,
	0x60, 0x37, 0x0B, 0xDB, 0x5A, 0x60, 0x83, 0xBE,
}

// F5 derives (MacKey, LTK) from the ECDH shared secret W and the exchanged
// nonces/addresses:
//
//	T    = AES-CMAC_salt(W)
//	out  = AES-CMAC_T(counter || "btle" || N1 || N2 || A1 || A2 || 256)
//
// computed once for counter=0 (MacKey) and once for counter=1 (LTK).
func F5(w, n1, n2 []byte, a1, a2 [7]byte) (macKey, ltk []byte, err error) {
	if len(w) != 32 || len(n1) != 16 || len(n2) != 16 {
		return nil, nil, errors.New("f5: invalid input length")
	}
	t, err := AESCMAC(f5Salt, w)
	if err != nil {
		return nil, nil, err
	}

	build := func(counter byte) []byte {
		msg := make([]byte, 0, 1+4+16+16+7+7+2)
		msg = append(msg, counter)
		msg = append(msg, 'b', 't', 'l', 'e')
		msg = append(msg, n1...)
		msg = append(msg, n2...)
		msg = append(msg, a1[:]...)
		msg = append(msg, a2[:]...)
		msg = append(msg, 0x01, 0x00) // length = 256 bits, big-endian like the rest of the CMAC input.
		return msg
	}

	macKey, err = AESCMAC(t, build(0))
	if err != nil {
		return nil, nil, err
	}
	ltk, err = AESCMAC(t, build(1))
	if err != nil {
		return nil, nil, err
	}
	return macKey, ltk, nil
}

// F6 computes the SC DHKey check value:
//
//	f6(W, N1, N2, R, IOcap, A1, A2) = AES-CMAC_W(N1 || N2 || R || IOcap || A1 || A2)
func F6(w, n1, n2, r, ioCap []byte, a1, a2 [7]byte) ([]byte, error) {
	if len(w) != 16 || len(n1) != 16 || len(n2) != 16 || len(r) != 16 || len(ioCap) != 3 {
		return nil, errors.New("f6: invalid input length")
	}
	msg := make([]byte, 0, 16+16+16+3+7+7)
	msg = append(msg, n1...)
	msg = append(msg, n2...)
	msg = append(msg, r...)
	msg = append(msg, ioCap...)
	msg = append(msg, a1[:]...)
	msg = append(msg, a2[:]...)
	return AESCMAC(w, msg)
}

// G2 computes the SC Numeric Comparison display value:
//
//	g2(U, V, X, Y) = AES-CMAC_X(U || V || Y) mod 10^6
//
// returning a value in [0, 999999] taken from the last 4 bytes of the CMAC
// output, interpreted big-endian.
func G2(u, v, x, y []byte) (uint32, error) {
	if len(u) != 32 || len(v) != 32 || len(x) != 16 || len(y) != 16 {
		return 0, errors.New("g2: invalid input length")
	}
	msg := make([]byte, 0, 80)
	msg = append(msg, u...)
	msg = append(msg, v...)
	msg = append(msg, y...)
	mac, err := AESCMAC(x, msg)
	if err != nil {
		return 0, err
	}
	last4 := mac[12:16]
	val := uint32(last4[0])<<24 | uint32(last4[1])<<16 | uint32(last4[2])<<8 | uint32(last4[3])
	return val % 1000000, nil
}

// H6 computes h6(W, keyId) = AES-CMAC_W(keyId), used for Cross-Transport
// Key Derivation. keyId is a 4-byte ASCII tag such as "tmp1", "tmp2",
// "lebr" or "brle".
func H6(w []byte, keyID [4]byte) ([]byte, error) {
	if len(w) != 16 {
		return nil, errors.New("h6: invalid key length")
	}
	return AESCMAC(w, keyID[:])
}

var (
	keyIDTmp1 = [4]byte{'t', 'm', 'p', '1'}
	keyIDTmp2 = [4]byte{'t', 'm', 'p', '2'}
	keyIDLEBR = [4]byte{'l', 'e', 'b', 'r'}
	keyIDBRLE = [4]byte{'b', 'r', 'l', 'e'}
)

// DeriveBREDRFromLTK implements the LE-to-BR/EDR Cross-Transport Key
// Derivation direction.
//
// For Legacy Pairing-derived LTKs, the spec requires an intermediate step
// through the "tmp1" key id before "lebr"; for Secure Connections LTKs,
// "lebr" is applied directly.
func DeriveBREDRFromLTK(ltk []byte, secureConnections bool) ([]byte, error) {
	if secureConnections {
		return H6(ltk, keyIDLEBR)
	}
	tmp1, err := H6(ltk, keyIDTmp1)
	if err != nil {
		return nil, err
	}
	return H6(tmp1, keyIDLEBR)
}

// DeriveLTKFromBREDR implements the reverse (BR/EDR-to-LE) direction,
// symmetric to DeriveBREDRFromLTK using "tmp2"/"brle".
func DeriveLTKFromBREDR(linkKey []byte, secureConnections bool) ([]byte, error) {
	if secureConnections {
		return H6(linkKey, keyIDBRLE)
	}
	tmp2, err := H6(linkKey, keyIDTmp2)
	if err != nil {
		return nil, err
	}
	return H6(tmp2, keyIDBRLE)
}

// AH implements the Resolvable Private Address hash function:
// ah(irk, prand) = AES128LE(irk, 0^13 || prand) truncated to its low 3
// bytes. prand's two most significant bits (of the conceptual 24-bit
// value) must be 01 for the result to be meaningful as an RPA hash; that
// check is the caller's responsibility (see ResolveRPA/GenerateRPA).
func AH(irk []byte, prand [3]byte) ([3]byte, error) {
	var out [3]byte
	if len(irk) != 16 {
		return out, errors.New("ah: invalid irk length")
	}
	block := make([]byte, 16)
	copy(block[0:3], prand[:])
	enc, err := AES128LE(irk, block)
	if err != nil {
		return out, err
	}
	copy(out[:], enc[0:3])
	return out, nil
}
