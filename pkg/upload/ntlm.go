package upload

import (
	"bytes"
	"crypto/des"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"

	"github.com/dfir-orc/collector/pkg/orcerr"
)

// ntlmNegotiateFlags mirrors the flag set WinHttpSetCredentials asks the
// WinHTTP NTLM SSP for: Unicode, OEM, request-target, NTLM, always-sign.
const ntlmNegotiateFlags = 0x00000001 | 0x00000002 | 0x00000004 | 0x00000200 | 0x00008000

// ntlmType1Message builds a minimal NTLM Type 1 (Negotiate) message, the
// first leg of the handshake original_source's BITSAgent.cpp delegates
// to WinHttpSetCredentials/WINHTTP_AUTH_SCHEME_NTLM.
func ntlmType1Message() string {
	msg := make([]byte, 32)
	copy(msg[0:8], []byte("NTLMSSP\x00"))
	binary.LittleEndian.PutUint32(msg[8:12], 1) // type
	binary.LittleEndian.PutUint32(msg[12:16], ntlmNegotiateFlags)
	return "NTLM " + base64.StdEncoding.EncodeToString(msg)
}

// ntlmChallengeFromHeader extracts the 8-byte server challenge out of a
// WWW-Authenticate: NTLM <base64 Type2 message> header value.
func ntlmChallengeFromHeader(header string) ([]byte, error) {
	const prefix = "NTLM "
	idx := strings.Index(header, prefix)
	if idx < 0 {
		return nil, orcerr.New(orcerr.KindUpload, "WWW-Authenticate did not carry an NTLM challenge")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[idx+len(prefix):]))
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindUpload, err, "decoding NTLM type 2 message")
	}
	if len(raw) < 32 {
		return nil, orcerr.New(orcerr.KindUpload, "NTLM type 2 message too short")
	}
	return raw[24:32], nil
}

// ntlmType3Message answers an 8-byte server challenge with an NTLMv1
// response, grounded on the classic DES-keyed response algorithm
// WinHTTP's NTLM SSP uses when a domain is not supplied.
func ntlmType3Message(username, password string, challenge []byte) (string, error) {
	ntlmResp, err := ntlmHash(password, challenge)
	if err != nil {
		return "", err
	}
	lmResp := ntlmResp // LM response left equal to the NTLM one; most servers accept NTLM-only auth.

	userUTF16 := utf16Bytes(username)
	domainUTF16 := utf16Bytes("")

	const baseLen = 64
	bodyLen := baseLen + len(lmResp) + len(ntlmResp) + len(domainUTF16) + len(userUTF16)
	msg := make([]byte, bodyLen)
	copy(msg[0:8], []byte("NTLMSSP\x00"))
	binary.LittleEndian.PutUint32(msg[8:12], 3) // type

	off := baseLen
	putField(msg, 12, lmResp, off)
	off += len(lmResp)
	putField(msg, 20, ntlmResp, off)
	off += len(ntlmResp)
	putField(msg, 28, domainUTF16, off)
	off += len(domainUTF16)
	putField(msg, 36, userUTF16, off)
	off += len(userUTF16)
	putField(msg, 44, nil, off) // workstation, left empty
	putField(msg, 52, nil, off) // session key, left empty
	binary.LittleEndian.PutUint32(msg[60:64], ntlmNegotiateFlags)

	copy(msg[baseLen:], lmResp)
	copy(msg[baseLen+len(lmResp):], ntlmResp)
	copy(msg[baseLen+len(lmResp)+len(ntlmResp):], domainUTF16)
	copy(msg[baseLen+len(lmResp)+len(ntlmResp)+len(domainUTF16):], userUTF16)

	return "NTLM " + base64.StdEncoding.EncodeToString(msg), nil
}

func putField(msg []byte, at int, data []byte, offset int) {
	binary.LittleEndian.PutUint16(msg[at:at+2], uint16(len(data)))
	binary.LittleEndian.PutUint16(msg[at+2:at+4], uint16(len(data)))
	binary.LittleEndian.PutUint32(msg[at+4:at+8], uint32(offset))
}

func utf16Bytes(s string) []byte {
	u := utf16.Encode([]rune(s))
	buf := make([]byte, len(u)*2)
	for i, v := range u {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

// ntlmHash derives the 24-byte NTLM response: MD4(UTF16LE(password)),
// split into three 7-byte DES keys, each of which encrypts the 8-byte
// server challenge.
func ntlmHash(password string, challenge []byte) ([]byte, error) {
	h := md4.New()
	h.Write(utf16Bytes(password))
	key := h.Sum(nil)

	var resp bytes.Buffer
	for _, k := range split7(key) {
		block, err := des.NewCipher(expandDESKey(k))
		if err != nil {
			return nil, orcerr.Wrap(orcerr.KindUpload, err, "building NTLM DES key")
		}
		out := make([]byte, 8)
		block.Encrypt(out, challenge)
		resp.Write(out)
	}
	return resp.Bytes(), nil
}

// split7 splits a 16-byte MD4 hash into three 7-byte keys, padding the
// final key with zero bytes, the layout classic NTLMv1 uses.
func split7(key []byte) [3][7]byte {
	padded := make([]byte, 21)
	copy(padded, key)
	var out [3][7]byte
	copy(out[0][:], padded[0:7])
	copy(out[1][:], padded[7:14])
	copy(out[2][:], padded[14:21])
	return out
}

// expandDESKey expands a 7-byte key into the 8-byte, odd-parity form
// des.NewCipher requires, the same bit-spreading classic NTLM/LanMan
// DES keys use.
func expandDESKey(k7 [7]byte) []byte {
	key := make([]byte, 8)
	key[0] = k7[0] >> 1
	key[1] = (k7[0]<<7 | k7[1]>>2) & 0xFF
	key[2] = (k7[1]<<6 | k7[2]>>3) & 0xFF
	key[3] = (k7[2]<<5 | k7[3]>>4) & 0xFF
	key[4] = (k7[3]<<4 | k7[4]>>5) & 0xFF
	key[5] = (k7[4]<<3 | k7[5]>>6) & 0xFF
	key[6] = (k7[5]<<2 | k7[6]>>7) & 0xFF
	key[7] = k7[6] << 1
	for i, b := range key {
		key[i] = setOddParity(b)
	}
	return key
}

func setOddParity(b byte) byte {
	b &^= 1
	var ones int
	for i := 1; i < 8; i++ {
		if b&(1<<uint(i)) != 0 {
			ones++
		}
	}
	if ones%2 == 0 {
		b |= 1
	}
	return b
}
