package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/nacl/box"

	"github.com/TernSecure/realtime-server/internal/keys"
	"github.com/TernSecure/realtime-server/internal/models"
)

// KeyPair is the server's box keypair. All processes behind one store share
// the same pair so a client can reconnect anywhere.
type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

type storedKeyPair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyString is the base64 form handed to clients.
func (k *KeyPair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

// LoadOrGenerate reads the shared keypair, generating and publishing one
// when none is stored or the stored value cannot be parsed. Concurrent
// starters race on SETNX and all adopt the winner.
func LoadOrGenerate(ctx context.Context, rdb redis.Cmdable) (*KeyPair, error) {
	raw, err := rdb.Get(ctx, keys.ServerKeyPair).Result()
	switch {
	case err == nil:
		if kp, perr := parseKeyPair(raw); perr == nil {
			return kp, nil
		}
		if err := rdb.Del(ctx, keys.ServerKeyPair).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(storedKeyPair{
		PublicKey: base64.StdEncoding.EncodeToString(kp.Public[:]),
		SecretKey: base64.StdEncoding.EncodeToString(kp.Private[:]),
	})
	if err != nil {
		return nil, err
	}
	won, err := rdb.SetNX(ctx, keys.ServerKeyPair, encoded, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if won {
		return kp, nil
	}

	raw, err = rdb.Get(ctx, keys.ServerKeyPair).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return parseKeyPair(raw)
}

func parseKeyPair(raw string) (*KeyPair, error) {
	var stored storedKeyPair
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEncryption, err)
	}
	pub, err := DecodeKey(stored.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := DecodeKey(stored.SecretKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// DecodeKey parses a base64 32-byte key.
func DecodeKey(s string) (*[32]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEncryption, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", models.ErrEncryption, len(b))
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}
