package fieldcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

// Algorithm selects the cipher used for field values.
type Algorithm string

const (
	AES256GCM        Algorithm = "aes256gcm"
	AES256CBC        Algorithm = "aes256cbc" // legacy, encrypt-then-HMAC
	ChaCha20Poly1305 Algorithm = "chacha20poly1305"
)

const (
	wirePrefix     = "enc"
	defaultVersion = "v1"
	cbcTagSize     = sha256.Size
)

// Config configures a field codec.
type Config struct {
	Fields      []string
	KeyProvider KeyProvider
	Algorithm   Algorithm
	Version     string
}

// Codec transforms configured fields between plaintext and the
// "enc:<version>:<base64(nonce||ciphertext||tag)>" wire form.
type Codec struct {
	fields    map[string]bool
	provider  KeyProvider
	algorithm Algorithm
	version   string
}

// NewCodec validates the configuration and builds a codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.KeyProvider == nil {
		return nil, fmt.Errorf("fieldcrypt: key provider is required")
	}
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("fieldcrypt: at least one field is required")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = AES256GCM
	}
	switch alg {
	case AES256GCM, AES256CBC, ChaCha20Poly1305:
	default:
		return nil, fmt.Errorf("fieldcrypt: unsupported algorithm %q", alg)
	}
	version := cfg.Version
	if version == "" {
		version = defaultVersion
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[f] = true
	}
	return &Codec{
		fields:    fields,
		provider:  cfg.KeyProvider,
		algorithm: alg,
		version:   version,
	}, nil
}

// Fields returns the configured field names.
func (c *Codec) Fields() []string {
	out := make([]string, 0, len(c.fields))
	for f := range c.fields {
		out = append(out, f)
	}
	return out
}

// Handles reports whether the codec encrypts the named field.
func (c *Codec) Handles(field string) bool {
	return c.fields[field]
}

// IsEncrypted reports whether a stored value carries the wire prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, wirePrefix+":")
}

// EncryptValue encrypts an arbitrary JSON value into the wire form.
// A fresh random nonce is drawn per call.
func (c *Codec) EncryptValue(ctx context.Context, value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", nexuserr.EncryptionFailed(err)
	}

	key, err := c.provider.Key(ctx)
	if err != nil {
		return "", nexuserr.EncryptionFailed(err)
	}

	var payload []byte
	switch c.algorithm {
	case AES256CBC:
		payload, err = sealCBC(key, plaintext)
	default:
		payload, err = c.sealAEAD(key, plaintext)
	}
	if err != nil {
		return "", nexuserr.EncryptionFailed(err)
	}

	encoded := base64.StdEncoding.EncodeToString(payload)
	return fmt.Sprintf("%s:%s:%s", wirePrefix, c.version, encoded), nil
}

// DecryptValue reverses EncryptValue. A tag mismatch surfaces a decrypt
// error; it is non-retryable and never silently dropped.
func (c *Codec) DecryptValue(ctx context.Context, wire string) (any, error) {
	parts := strings.SplitN(wire, ":", 3)
	if len(parts) != 3 || parts[0] != wirePrefix {
		return nil, nexuserr.DecryptionFailed(fmt.Errorf("malformed ciphertext"))
	}

	payload, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nexuserr.DecryptionFailed(fmt.Errorf("decode ciphertext: %w", err))
	}

	key, err := c.provider.Key(ctx)
	if err != nil {
		return nil, nexuserr.DecryptionFailed(err)
	}

	var plaintext []byte
	switch c.algorithm {
	case AES256CBC:
		plaintext, err = openCBC(key, payload)
	default:
		plaintext, err = c.openAEAD(key, payload)
	}
	if err != nil {
		return nil, nexuserr.DecryptionFailed(err)
	}

	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, nexuserr.DecryptionFailed(fmt.Errorf("decode plaintext: %w", err))
	}
	return value, nil
}

// EncryptFields encrypts every configured field present in the document.
// Already-encrypted values are left untouched.
func (c *Codec) EncryptFields(ctx context.Context, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if !c.fields[k] || v == nil {
			out[k] = v
			continue
		}
		if s, ok := v.(string); ok && IsEncrypted(s) {
			out[k] = v
			continue
		}
		enc, err := c.EncryptValue(ctx, v)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptFields decrypts every configured field carrying the wire prefix.
func (c *Codec) DecryptFields(ctx context.Context, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		s, ok := v.(string)
		if !ok || !c.fields[k] || !IsEncrypted(s) {
			out[k] = v
			continue
		}
		dec, err := c.DecryptValue(ctx, s)
		if err != nil {
			return nil, err
		}
		out[k] = dec
	}
	return out, nil
}

// WithProvider returns a codec identical to c but using a different key.
// Used by key rotation.
func (c *Codec) WithProvider(p KeyProvider) *Codec {
	clone := *c
	clone.provider = p
	return &clone
}

func (c *Codec) newAEAD(key []byte) (cipher.AEAD, error) {
	switch c.algorithm {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher: %w", err)
		}
		return cipher.NewGCM(block)
	}
}

func (c *Codec) sealAEAD(key, plaintext []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func (c *Codec) openAEAD(key, payload []byte) ([]byte, error) {
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := payload[:aead.NonceSize()]
	body := payload[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

// cbcKeys splits the data key into separate cipher and MAC keys.
func cbcKeys(key []byte) (encKey, macKey []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("cbc-enc"))
	encKey = mac.Sum(nil)

	mac = hmac.New(sha256.New, key)
	mac.Write([]byte("cbc-mac"))
	macKey = mac.Sum(nil)
	return encKey, macKey
}

func sealCBC(key, plaintext []byte) ([]byte, error) {
	encKey, macKey := cbcKeys(key)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	payload := append(iv, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(payload)
	return mac.Sum(payload), nil
}

func openCBC(key, payload []byte) ([]byte, error) {
	encKey, macKey := cbcKeys(key)

	if len(payload) < aes.BlockSize+cbcTagSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	body := payload[:len(payload)-cbcTagSize]
	tag := payload[len(payload)-cbcTagSize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, fmt.Errorf("integrity check failed")
	}

	iv := body[:aes.BlockSize]
	ciphertext := body[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padding")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
