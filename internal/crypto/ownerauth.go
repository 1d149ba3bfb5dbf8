package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Owner-only API calls carry an EIP-191 personal-sign signature over
// "{method}|{path}|{timestamp}". The server recovers the signer address
// from the signature and the service layer compares it to the position
// owner, so no owner key material ever reaches the server.

// personalSignPrefix is the EIP-191 version 0x45 prefix. Wallets prepend
// it before hashing, which keeps request signatures from being valid
// transactions.
const personalSignPrefix = "\x19Ethereum Signed Message:\n"

// OwnerMessage builds the canonical string an owner signs for one request.
// The path binds the signature to a specific position.
func OwnerMessage(method, path string, timestamp int64) string {
	return fmt.Sprintf("%s|%s|%d", strings.ToUpper(method), path, timestamp)
}

// personalHash computes keccak256 of the EIP-191 prefixed message.
func personalHash(message string) []byte {
	prefixed := fmt.Sprintf("%s%d%s", personalSignPrefix, len(message), message)
	return ethcrypto.Keccak256([]byte(prefixed))
}

// RecoverOwner recovers the address that signed the canonical message for
// this request. The signature is hex-encoded r || s || v (65 bytes), with
// v accepted as {0,1} or {27,28}.
func RecoverOwner(method, path string, timestamp int64, sigHex string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/ownerauth: decode signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/ownerauth: signature must be 65 bytes, got %d", len(raw))
	}

	// go-ethereum wants the recovery id in {0,1}; wallets emit {27,28}.
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("crypto/ownerauth: invalid recovery id %d", raw[64])
	}

	pub, err := ethcrypto.SigToPub(personalHash(OwnerMessage(method, path, timestamp)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/ownerauth: recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignOwnerRequest produces the request signature for a private key. Used
// by clients and tests; the server side only ever recovers.
func SignOwnerRequest(pk *ecdsa.PrivateKey, method, path string, timestamp int64) (string, error) {
	sig, err := ethcrypto.Sign(personalHash(OwnerMessage(method, path, timestamp)), pk)
	if err != nil {
		return "", fmt.Errorf("crypto/ownerauth: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets and verifiers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// ValidateTimestamp rejects request timestamps outside the allowed clock
// skew, bounding the replay window of a captured signature.
func ValidateTimestamp(timestamp int64, skew time.Duration) error {
	return ValidateTimestampAt(timestamp, skew, time.Now().UTC())
}

// ValidateTimestampAt is ValidateTimestamp against an explicit clock.
func ValidateTimestampAt(timestamp int64, skew time.Duration, now time.Time) error {
	if timestamp <= 0 {
		return fmt.Errorf("crypto/ownerauth: invalid timestamp %d", timestamp)
	}
	ts := time.Unix(timestamp, 0).UTC()
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > skew {
		return fmt.Errorf("crypto/ownerauth: timestamp outside allowed skew of %s", skew)
	}
	return nil
}
