package subscription

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"leafclient/backend/codec"
	"leafclient/backend/domain"
)

// bundleVersion 离线订阅包格式版本
const bundleVersion = 1

// maxBundleSize 离线包大小上限
const maxBundleSize = 10 << 20

// Envelope 签名信封，签名覆盖 Payload 原始字节
type Envelope struct {
	Version   int    `cbor:"v"`
	KeyID     string `cbor:"kid"`
	Signature []byte `cbor:"sig"`
	Payload   []byte `cbor:"payload"`
}

// Payload 离线订阅内容
type Payload struct {
	ClientID   string `cbor:"clientId,omitempty"`
	Config     string `cbor:"config"`
	ExpireTime int64  `cbor:"expireTime,omitempty"`
	Traffic    int64  `cbor:"traffic,omitempty"`
	Used       int64  `cbor:"used,omitempty"`
	IssuedAt   int64  `cbor:"issuedAt,omitempty"`
}

// SealBundle 生成离线订阅包（签发端与测试使用）。passphrase 非空时用 age scrypt 加密。
func SealBundle(payload Payload, keyID string, key ed25519.PrivateKey, passphrase string) ([]byte, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{
		Version:   bundleVersion,
		KeyID:     keyID,
		Signature: ed25519.Sign(key, raw),
		Payload:   raw,
	}
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if passphrase == "" {
		return data, nil
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, err
	}
	// scrypt 工作因子 2^10
	recipient.SetWorkFactor(10)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// OpenBundle 解密并校验离线订阅包。签名不通过时返回 *domain.VerificationError，绝不返回部分内容。
func OpenBundle(data []byte, passphrase string, keyIDs, verifyingKeys []string) (Payload, error) {
	if len(keyIDs) == 0 || len(keyIDs) != len(verifyingKeys) {
		return Payload{}, &domain.VerificationError{Reason: "key ids and verifying keys must be non-empty and paired"}
	}

	if passphrase != "" {
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return Payload{}, err
		}
		r, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return Payload{}, &domain.VerificationError{Reason: "decrypt: " + err.Error()}
		}
		plain, err := io.ReadAll(io.LimitReader(r, maxBundleSize+1))
		if err != nil {
			return Payload{}, &domain.VerificationError{Reason: "decrypt: " + err.Error()}
		}
		if len(plain) > maxBundleSize {
			return Payload{}, fmt.Errorf("%w: bundle too large", domain.ErrInvalidInput)
		}
		data = plain
	}

	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return Payload{}, &domain.VerificationError{Reason: "malformed envelope: " + err.Error()}
	}
	if env.Version != bundleVersion {
		return Payload{}, &domain.VerificationError{KeyID: env.KeyID, Reason: fmt.Sprintf("unsupported bundle version %d", env.Version)}
	}

	idx := -1
	for i, id := range keyIDs {
		if id == env.KeyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Payload{}, &domain.VerificationError{KeyID: env.KeyID, Reason: "unknown key id"}
	}
	pub, err := decodeVerifyingKey(verifyingKeys[idx])
	if err != nil {
		return Payload{}, &domain.VerificationError{KeyID: env.KeyID, Reason: err.Error()}
	}
	if !ed25519.Verify(pub, env.Payload, env.Signature) {
		return Payload{}, &domain.VerificationError{KeyID: env.KeyID, Reason: "signature mismatch"}
	}

	var payload Payload
	if err := codec.Unmarshal(env.Payload, &payload); err != nil {
		return Payload{}, &domain.VerificationError{KeyID: env.KeyID, Reason: "malformed payload: " + err.Error()}
	}
	if strings.TrimSpace(payload.Config) == "" {
		return Payload{}, fmt.Errorf("%w: bundle carries an empty config", domain.ErrInvalidInput)
	}
	return payload, nil
}

// decodeVerifyingKey 接受带或不带填充的 base64 / base64url
func decodeVerifyingKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.RawStdEncoding,
		base64.StdEncoding,
		base64.RawURLEncoding,
		base64.URLEncoding,
	}
	for _, enc := range encodings {
		key, err := enc.DecodeString(s)
		if err == nil && len(key) == ed25519.PublicKeySize {
			return ed25519.PublicKey(key), nil
		}
	}
	return nil, fmt.Errorf("verifying key is not a base64 ed25519 public key")
}
