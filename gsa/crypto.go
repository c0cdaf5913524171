package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var appTokenHeader = []byte("XYZ")

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// sessionCipher derives the key and iv protecting the server-provided data blob.
func sessionCipher(sessionKey []byte) (cipher.Block, []byte, error) {
	key := hmacSHA256(sessionKey, []byte("extra data key:"))
	iv := hmacSHA256(sessionKey, []byte("extra data iv:"))[:aes.BlockSize]
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	return block, iv, nil
}

// decryptSPD decrypts the AES-CBC server-provided data of a completed SRP exchange.
func decryptSPD(sessionKey, spd []byte) ([]byte, error) {
	block, iv, err := sessionCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(spd) == 0 || len(spd)%aes.BlockSize != 0 {
		return nil, errors.New("invalid encrypted data length")
	}

	out := make([]byte, len(spd))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, spd)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) ||
		!bytes.Equal(out[len(out)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, errors.New("invalid padding")
	}
	return out[:len(out)-pad], nil
}

func encryptSPD(sessionKey, plain []byte) ([]byte, error) {
	block, iv, err := sessionCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(bytes.Clone(plain), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// appTokenChecksum authenticates an apptokens request with the session key.
func appTokenChecksum(sk []byte, adsid, app string) []byte {
	return hmacSHA256(sk, []byte("apptokens"), []byte(adsid), []byte(app))
}

// decryptAppToken opens an encrypted token: "XYZ" | 16 byte nonce | AES-GCM ciphertext.
func decryptAppToken(sk, et []byte) ([]byte, error) {
	const nonceSize = 16
	if len(et) < len(appTokenHeader)+nonceSize || !bytes.Equal(et[:len(appTokenHeader)], appTokenHeader) {
		return nil, errors.New("invalid encrypted token header")
	}

	block, err := aes.NewCipher(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := et[len(appTokenHeader) : len(appTokenHeader)+nonceSize]
	plain, err := gcm.Open(nil, nonce, et[len(appTokenHeader)+nonceSize:], appTokenHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	return plain, nil
}

func encryptAppToken(sk, plain []byte) ([]byte, error) {
	const nonceSize = 16
	block, err := aes.NewCipher(sk)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := append(bytes.Clone(appTokenHeader), nonce...)
	return gcm.Seal(out, nonce, plain, appTokenHeader), nil
}
