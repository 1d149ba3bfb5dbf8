package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// devKey is the widely published hardhat/anvil dev account #0.
const (
	devKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+devKey, "hunter2")
	require.NoError(t, err)

	var stored keystoreJSON
	require.NoError(t, json.Unmarshal(blob, &stored))
	assert.Equal(t, keystoreVersion, stored.Version)
	assert.Equal(t, devAddress, stored.Address)
	assert.NotEmpty(t, stored.Salt)
	assert.NotEmpty(t, stored.Nonce)
	assert.NotEmpty(t, stored.Ciphertext)
	assert.NotContains(t, string(blob), devKey, "plaintext key must not appear in the keystore")

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, devKey, got)
}

func TestDecryptKeyWrongPassword(t *testing.T) {
	blob, err := EncryptKey(devKey, "correct")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "incorrect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestDecryptKeyRejectsTamperedAddress(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	require.NoError(t, err)

	var stored keystoreJSON
	require.NoError(t, json.Unmarshal(blob, &stored))
	stored.Address = common.HexToAddress("0xdeadbeef").Hex()
	tampered, err := json.Marshal(stored)
	require.NoError(t, err)

	_, err = DecryptKey(tampered, "hunter2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keystore records")
}

func TestDecryptKeyRejectsUnsupportedVersion(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	require.NoError(t, err)

	var stored keystoreJSON
	require.NoError(t, json.Unmarshal(blob, &stored))
	stored.Version = 99
	bumped, err := json.Marshal(stored)
	require.NoError(t, err)

	_, err = DecryptKey(bumped, "hunter2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestEncryptKeyRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		key      string
		password string
	}{
		{"empty password", devKey, ""},
		{"not hex", "zz" + devKey[2:], "pw"},
		{"too short", devKey[:32], "pw"},
		{"zero scalar", "0000000000000000000000000000000000000000000000000000000000000000", "pw"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncryptKey(tc.key, tc.password)
			assert.Error(t, err)
		})
	}
}

func TestLoadKeyResolutionOrder(t *testing.T) {
	t.Run("raw key wins over keystore", func(t *testing.T) {
		got, err := LoadKey(KeyConfig{
			RawPrivateKey:    "0x" + devKey,
			EncryptedKeyPath: "/nonexistent/keystore.json",
		})
		require.NoError(t, err)
		assert.Equal(t, devKey, got)
	})

	t.Run("raw key must be hex", func(t *testing.T) {
		_, err := LoadKey(KeyConfig{RawPrivateKey: "not-hex"})
		require.Error(t, err)
	})

	t.Run("keystore file", func(t *testing.T) {
		blob, err := EncryptKey(devKey, "pw")
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "keeper.json")
		require.NoError(t, os.WriteFile(path, blob, 0o600))

		got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
		require.NoError(t, err)
		assert.Equal(t, devKey, got)
	})

	t.Run("missing keystore file", func(t *testing.T) {
		_, err := LoadKey(KeyConfig{EncryptedKeyPath: "/nonexistent/keeper.json", KeyPassword: "pw"})
		require.Error(t, err)
	})

	t.Run("no source configured", func(t *testing.T) {
		_, err := LoadKey(KeyConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no private key source")
	})
}

func TestLoadSigner(t *testing.T) {
	pk, addr, err := LoadSigner(KeyConfig{RawPrivateKey: devKey})
	require.NoError(t, err)
	require.NotNil(t, pk)
	assert.Equal(t, devAddress, addr.Hex())

	_, _, err = LoadSigner(KeyConfig{})
	require.Error(t, err)
}
