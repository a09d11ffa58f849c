// Package cardcrypto encrypts card numbers for storage and masks them for
// display. The ciphertext is base64 so it can live in an ordinary text
// column; the masked form reveals at most the last four characters.
package cardcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bankcore/cardvault/internal/cardnum"
)

var (
	// ErrCipher covers any encryption or decryption failure: corrupted
	// ciphertext, bad padding, short input.
	ErrCipher = errors.New("cipher failure")

	// ErrInvalidCardNumber is returned by Mask for inputs too short to
	// reveal four characters.
	ErrInvalidCardNumber = errors.New("card number must be at least 4 characters")
)

// Codec performs symmetric encryption of card numbers with a process-wide
// key. The key is loaded once at startup; a bad key is a construction error,
// never a per-call one.
type Codec struct {
	key []byte
}

// New builds a Codec from an AES key. The key must be 16, 24, or 32 bytes.
func New(key []byte) (*Codec, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes, got %d", len(key))
	}
	return &Codec{key: key}, nil
}

// Encrypt returns the AES-CBC ciphertext of plaintext with a random IV,
// PKCS#7 padded and base64 encoded.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: empty plaintext", ErrCipher)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: generating iv: %v", ErrCipher, err)
	}

	data := []byte(plaintext)
	padding := aes.BlockSize - len(data)%aes.BlockSize
	for i := 0; i < padding; i++ {
		data = append(data, byte(padding))
	}

	ciphertext := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, data)

	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...)), nil
}

// Decrypt is the inverse of Encrypt.
func (c *Codec) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("%w: empty ciphertext", ErrCipher)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrCipher, err)
	}
	if len(data) < aes.BlockSize {
		return "", fmt.Errorf("%w: ciphertext too short: %d bytes", ErrCipher, len(data))
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: invalid ciphertext length: %d bytes", ErrCipher, len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize {
		return "", fmt.Errorf("%w: invalid padding value: %d", ErrCipher, padding)
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if int(plaintext[i]) != padding {
			return "", fmt.Errorf("%w: invalid padding bytes", ErrCipher)
		}
	}

	return string(plaintext[:len(plaintext)-padding]), nil
}

// Mask returns the display form of a card number, e.g.
// "**** **** **** 5678". Inputs shorter than 4 characters are rejected
// rather than partially revealed.
func Mask(number string) (string, error) {
	if len(number) < 4 {
		return "", ErrInvalidCardNumber
	}
	return "**** **** **** " + cardnum.LastN(number, 4), nil
}
