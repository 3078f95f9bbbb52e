package auth

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"errors"
)

// Encrypt is AES/ECB/PKCS5Padding keyed by the secret's bytes, Base64
// encoded. It matches the tokens issued by the account service.
func Encrypt(content, secret string) (string, error) {
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	plain := pad([]byte(content), bs)
	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += bs {
		block.Encrypt(out[i:i+bs], plain[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func Decrypt(content, secret string) (string, error) {
	block, err := aes.NewCipher([]byte(secret))
	if err != nil {
		return "", err
	}
	enc, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	if len(enc) == 0 || len(enc)%bs != 0 {
		return "", errors.New("invalid ciphertext size")
	}
	out := make([]byte, len(enc))
	for i := 0; i < len(enc); i += bs {
		block.Decrypt(out[i:i+bs], enc[i:i+bs])
	}
	out, err = unpad(out)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func pad(src []byte, blockSize int) []byte {
	n := blockSize - len(src)%blockSize
	return append(src, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(src []byte) ([]byte, error) {
	l := len(src)
	if l == 0 {
		return nil, errors.New("invalid padding size")
	}
	n := int(src[l-1])
	if n <= 0 || n > l {
		return nil, errors.New("invalid padding")
	}
	for i := 0; i < n; i++ {
		if src[l-1-i] != byte(n) {
			return nil, errors.New("invalid padding")
		}
	}
	return src[:l-n], nil
}
