package cryptolayer

import "crypto/aes"

// aesCMAC computes the AES-CMAC (NIST SP 800-38B / RFC 4493) of msg under
// key. There is no CMAC implementation in the example corpus's dependency
// graph (golang.org/x/crypto does not ship one), so this is hand-rolled
// on stdlib crypto/aes, adapted from the same subkey-derivation/XOR
// structure used for DESFire session MACs in the nfctools ntag424
// package.
func aesCMAC(key []byte, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + 15) / 16
	if n == 0 {
		n = 1
	}
	complete := len(msg) != 0 && len(msg)%16 == 0

	last := make([]byte, 16)
	if complete {
		copy(last, msg[(n-1)*16:])
		xorInto(last, k1)
	} else {
		remain := len(msg) - (n-1)*16
		if remain > 0 {
			copy(last, msg[(n-1)*16:])
		}
		last[remain] = 0x80
		xorInto(last, k2)
	}

	x := make([]byte, 16)
	y := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		start := i * 16
		xor(y, x, msg[start:start+16])
		block.Encrypt(x, y)
	}
	xor(y, x, last)
	block.Encrypt(x, y)
	return x, nil
}

func cmacSubkeys(block interface{ Encrypt(dst, src []byte) }) (k1, k2 []byte) {
	const rb = 0x87
	zero := make([]byte, 16)
	l := make([]byte, 16)
	block.Encrypt(l, zero)

	k1 = make([]byte, 16)
	shiftLeft1(k1, l)
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = make([]byte, 16)
	shiftLeft1(k2, k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}
	return k1, k2
}

func shiftLeft1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xor(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func xorInto(dst, with []byte) {
	for i := range dst {
		dst[i] ^= with[i]
	}
}
