package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"
)

// loadOrGenerateKey reads the node's Ed25519 identity from path, creating
// one there if the file does not exist
func loadOrGenerateKey(path string, logger *zap.Logger) (crypto.PrivKey, error) {
	if path == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
		}
		logger.Info("p2p identity loaded", zap.String("path", path))
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	logger.Info("generating new p2p identity", zap.String("path", path))
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key %s: %w", path, err)
	}
	return priv, nil
}
