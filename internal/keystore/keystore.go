package keystore

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// One signing-key file per node name, owner-read/write only. The node
// auto-generates a key on first start and reuses it afterwards, so the
// on-chain identity is stable across restarts.

type keyFile struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
	NodeName   string `json:"node_name"`
	CreatedAt  string `json:"created_at"`
}

// Load returns the node's signing key, generating and persisting a new one
// if no key file exists yet.
func Load(dir, nodeName string) (*ecdsa.PrivateKey, common.Address, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, common.Address{}, fmt.Errorf("keystore: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, nodeName+".key.json")

	raw, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(raw, &kf); err != nil {
			return nil, common.Address{}, fmt.Errorf("keystore: parsing %s: %w", path, err)
		}
		key, err := crypto.HexToECDSA(kf.PrivateKey)
		if err != nil {
			return nil, common.Address{}, fmt.Errorf("keystore: decoding key for %s: %w", nodeName, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		log.Printf("[Keystore] Loaded signing key for %s (%s)", nodeName, addr.Hex())
		return key, addr, nil
	}
	if !os.IsNotExist(err) {
		return nil, common.Address{}, fmt.Errorf("keystore: reading %s: %w", path, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("keystore: generating key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	kf := keyFile{
		Address:    addr.Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
		NodeName:   nodeName,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	out, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, common.Address{}, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, common.Address{}, fmt.Errorf("keystore: writing %s: %w", path, err)
	}
	log.Printf("[Keystore] Generated new signing key for %s (%s)", nodeName, addr.Hex())
	return key, addr, nil
}
