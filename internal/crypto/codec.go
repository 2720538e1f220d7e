package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/eventcrm/backend/domain"
)

const envelopeScheme = "aes256gcm"

// fieldEnvelope wraps one encrypted payload field. The nonce travels with the
// ciphertext, so decryption needs nothing beyond the payload and the tenant
// key.
type fieldEnvelope struct {
	Scheme string `json:"$enc"`
	KeyID  string `json:"kid"`
	Nonce  string `json:"iv"`
	Cipher string `json:"ct"`
}

// Codec encrypts and decrypts declared event-payload fields. Both directions
// are pure: the same inputs always yield the same decrypted output, and
// fields outside the declared set pass through byte-identical.
type Codec struct{}

func NewCodec() *Codec { return &Codec{} }

// EncryptFields replaces each declared field present in data with a ciphertext
// envelope. The raw JSON value bytes are sealed, so decryption restores the
// field exactly.
func (c *Codec) EncryptFields(data json.RawMessage, fields []string, key Key) (json.RawMessage, error) {
	if len(fields) == 0 || len(data) == 0 {
		return data, nil
	}

	doc, err := splitFields(data)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	for _, field := range fields {
		raw, ok := doc[field]
		if !ok {
			continue
		}

		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "generate nonce", err)
		}
		sealed := aead.Seal(nil, nonce, raw, []byte(field))

		env, err := json.Marshal(fieldEnvelope{
			Scheme: envelopeScheme,
			KeyID:  key.ID,
			Nonce:  base64.StdEncoding.EncodeToString(nonce),
			Cipher: base64.StdEncoding.EncodeToString(sealed),
		})
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "marshal field envelope", err)
		}
		doc[field] = env
	}

	return joinFields(doc)
}

// DecryptFields is the inverse of EncryptFields. Fields without an envelope
// pass through untouched; a malformed envelope or wrong key is an encryption
// error, never a silent plaintext fallback.
func (c *Codec) DecryptFields(data json.RawMessage, fields []string, key Key) (json.RawMessage, error) {
	if len(fields) == 0 || len(data) == 0 {
		return data, nil
	}

	doc, err := splitFields(data)
	if err != nil {
		return nil, err
	}

	var aead cipher.AEAD

	for _, field := range fields {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		var env fieldEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Scheme == "" {
			// Field was stored in the clear (declared after the fact).
			continue
		}
		if env.Scheme != envelopeScheme {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "unsupported envelope scheme "+env.Scheme, nil)
		}

		if aead == nil {
			if aead, err = newAEAD(key); err != nil {
				return nil, err
			}
		}

		nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "decode nonce for field "+field, err)
		}
		sealed, err := base64.StdEncoding.DecodeString(env.Cipher)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "decode ciphertext for field "+field, err)
		}
		plain, err := aead.Open(nil, nonce, sealed, []byte(field))
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "decrypt field "+field, err)
		}
		doc[field] = plain
	}

	return joinFields(doc)
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeEncryption, "invalid key material", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeEncryption, "init gcm", err)
	}
	return aead, nil
}

// splitFields breaks a JSON object into raw per-field values so untouched
// fields keep their exact bytes.
func splitFields(data json.RawMessage) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrCodeEncryption, "event data is not a JSON object", err)
	}
	return doc, nil
}

// joinFields reassembles the object with sorted keys for a stable encoding.
func joinFields(doc map[string]json.RawMessage) (json.RawMessage, error) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeEncryption, "marshal field name", err)
		}
		out = append(out, name...)
		out = append(out, ':')
		out = append(out, doc[k]...)
	}
	out = append(out, '}')
	return out, nil
}
