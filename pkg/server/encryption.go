package server

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wattledger/wattledger/pkg/log"
	"github.com/wattledger/wattledger/pkg/types"
)

// credentialsGCM builds the AEAD used for credentials at rest from the
// configured 32-byte key.
func (s *Server) credentialsGCM(ctx context.Context) (cipher.AEAD, error) {
	if s.encryptionKey == "" {
		log.Ctx(ctx).ErrorContext(ctx, "no credentials encryption key configured")
		return nil, errors.New("no credentials encryption key configured")
	}

	if len(s.encryptionKey) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "credentials encryption key must be 32 bytes", slog.Int("length", len(s.encryptionKey)))
		return nil, errors.New("credentials encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher([]byte(s.encryptionKey))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to init credentials cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to init credentials cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to init gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return gcm, nil
}

func (s *Server) decryptCredentials(ctx context.Context, encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}

	gcm, err := s.credentialsGCM(ctx)
	if err != nil {
		return types.Credentials{}, err
	}

	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "encrypted credentials too short", slog.Int("length", len(encrypted)))
		return types.Credentials{}, errors.New("encrypted credentials too short")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "unable to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("unable to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}

	return creds, nil
}

func (s *Server) encryptCredentials(ctx context.Context, creds types.Credentials) ([]byte, error) {
	gcm, err := s.credentialsGCM(ctx)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode credentials", slog.Any("error", err))
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	// the nonce is prepended to the ciphertext so decryption can recover it
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
