package crypto

// rpaPrandMarker is the required value of the two most significant bits of
// a Resolvable Private Address's prand octet (Bluetooth Core Spec Vol 6
// Part B §1.3.2.2): 01.
const rpaPrandMarker = 0x40 // top two bits of byte index 2 == 01xxxxxx

// GenerateRPA builds a 6-byte Resolvable Private Address from irk and a
// 24-bit prand (passed as its 3 little-endian bytes): address = hash(3
// bytes, from AH) || prand(3 bytes), with prand's top two bits forced to
// 01. The returned array is in the same little-endian, byte-0-first wire
// order as bdaddr.Address.Bytes.
func GenerateRPA(irk []byte, prand [3]byte) ([6]byte, error) {
	prand[2] = (prand[2] &^ 0xC0) | rpaPrandMarker
	hash, err := AH(irk, prand)
	if err != nil {
		return [6]byte{}, err
	}
	var addr [6]byte
	copy(addr[0:3], hash[:])
	copy(addr[3:6], prand[:])
	return addr, nil
}

// ResolveRPA reports whether addr could have been generated from irk: it
// recomputes ah(irk, prand) from the address's upper 3 bytes and compares
// it against the lower 3 (hash) bytes.
func ResolveRPA(addr [6]byte, irk []byte) (bool, error) {
	var prand [3]byte
	copy(prand[:], addr[3:6])
	if prand[2]&0xC0 != rpaPrandMarker {
		return false, nil
	}
	hash, err := AH(irk, prand)
	if err != nil {
		return false, err
	}
	for i := 0; i < 3; i++ {
		if hash[i] != addr[i] {
			return false, nil
		}
	}
	return true, nil
}
