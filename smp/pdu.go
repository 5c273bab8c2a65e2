/*
NAME
  pdu.go

DESCRIPTION
  pdu.go implements the stateless SMP PDU codec: Pairing Request/Response,
  Confirm/Random, Failed, the Secure Connections public key and DHKey
  check PDUs, the key distribution PDUs, and Security Request — per
  Bluetooth Core Spec v5.3 Vol 3 Part H §3.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package smp

import "github.com/pkg/errors"

// Opcode is the first byte of every SMP PDU.
type Opcode uint8

const (
	OpPairingRequest     Opcode = 0x01
	OpPairingResponse    Opcode = 0x02
	OpPairingConfirm     Opcode = 0x03
	OpPairingRandom      Opcode = 0x04
	OpPairingFailed      Opcode = 0x05
	OpEncryptionInfo     Opcode = 0x06
	OpMasterIdentification Opcode = 0x07
	OpIdentityInfo       Opcode = 0x08
	OpIdentityAddrInfo   Opcode = 0x09
	OpSigningInfo        Opcode = 0x0A
	OpSecurityRequest    Opcode = 0x0B
	OpPairingPublicKey   Opcode = 0x0C
	OpPairingDHKeyCheck  Opcode = 0x0D
	OpKeypressNotification Opcode = 0x0E
)

// pairingPDU is the 6-field body shared by Pairing Request and Pairing
// Response.
type pairingPDU struct {
	IOCap        IOCapability
	OOBDataFlag  bool
	AuthReq      AuthReq
	MaxKeySize   uint8
	InitKeyDist  uint8
	RespKeyDist  uint8
}

func encodePairingPDU(op Opcode, p pairingPDU) []byte {
	var oob uint8
	if p.OOBDataFlag {
		oob = 1
	}
	return []byte{byte(op), byte(p.IOCap), oob, byte(p.AuthReq), p.MaxKeySize, p.InitKeyDist, p.RespKeyDist}
}

func decodePairingPDU(b []byte) (pairingPDU, error) {
	if len(b) != 7 {
		return pairingPDU{}, errors.Errorf("smp: pairing PDU length %d, want 7", len(b))
	}
	return pairingPDU{
		IOCap:       IOCapability(b[1]),
		OOBDataFlag: b[2] != 0,
		AuthReq:     AuthReq(b[3]),
		MaxKeySize:  b[4],
		InitKeyDist: b[5],
		RespKeyDist: b[6],
	}, nil
}

func encode16ByteValue(op Opcode, v [16]byte) []byte {
	out := make([]byte, 0, 17)
	out = append(out, byte(op))
	return append(out, v[:]...)
}

func decode16ByteValue(b []byte) ([16]byte, error) {
	var v [16]byte
	if len(b) != 17 {
		return v, errors.Errorf("smp: 16-byte PDU length %d, want 17", len(b))
	}
	copy(v[:], b[1:])
	return v, nil
}

func encodePairingFailed(reason ReasonCode) []byte {
	return []byte{byte(OpPairingFailed), byte(reason)}
}

func decodePairingFailed(b []byte) (ReasonCode, error) {
	if len(b) != 2 {
		return 0, errors.Errorf("smp: pairing failed PDU length %d, want 2", len(b))
	}
	return ReasonCode(b[1]), nil
}

func encodePublicKey(x, y [32]byte) []byte {
	out := make([]byte, 0, 65)
	out = append(out, byte(OpPairingPublicKey))
	out = append(out, x[:]...)
	return append(out, y[:]...)
}

func decodePublicKey(b []byte) (x, y [32]byte, err error) {
	if len(b) != 65 {
		return x, y, errors.Errorf("smp: public key PDU length %d, want 65", len(b))
	}
	copy(x[:], b[1:33])
	copy(y[:], b[33:65])
	return x, y, nil
}

func encodeEncryptionInformation(ltk [16]byte) []byte {
	return encode16ByteValue(OpEncryptionInfo, ltk)
}

func encodeMasterIdentification(ediv uint16, rand uint64) []byte {
	out := []byte{byte(OpMasterIdentification), byte(ediv), byte(ediv >> 8)}
	for i := 0; i < 8; i++ {
		out = append(out, byte(rand>>(8*i)))
	}
	return out
}

func decodeMasterIdentification(b []byte) (ediv uint16, rnd uint64, err error) {
	if len(b) != 11 {
		return 0, 0, errors.Errorf("smp: master identification PDU length %d, want 11", len(b))
	}
	ediv = uint16(b[1]) | uint16(b[2])<<8
	for i := 0; i < 8; i++ {
		rnd |= uint64(b[3+i]) << (8 * i)
	}
	return ediv, rnd, nil
}

func encodeIdentityInformation(irk [16]byte) []byte {
	return encode16ByteValue(OpIdentityInfo, irk)
}

func encodeIdentityAddressInformation(addrType byte, addr [6]byte) []byte {
	out := []byte{byte(OpIdentityAddrInfo), addrType}
	return append(out, addr[:]...)
}

func decodeIdentityAddressInformation(b []byte) (addrType byte, addr [6]byte, err error) {
	if len(b) != 8 {
		return 0, addr, errors.Errorf("smp: identity address PDU length %d, want 8", len(b))
	}
	copy(addr[:], b[2:8])
	return b[1], addr, nil
}

func encodeSigningInformation(csrk [16]byte) []byte {
	return encode16ByteValue(OpSigningInfo, csrk)
}

func encodeSecurityRequest(authReq AuthReq) []byte {
	return []byte{byte(OpSecurityRequest), byte(authReq)}
}

func decodeSecurityRequest(b []byte) (AuthReq, error) {
	if len(b) != 2 {
		return 0, errors.Errorf("smp: security request PDU length %d, want 2", len(b))
	}
	return AuthReq(b[1]), nil
}
