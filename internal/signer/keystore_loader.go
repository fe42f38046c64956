package signer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/relaynet/chain-relayer/internal/chain"
)

// RelayerKeySpec names the (relayer_id, chain_type) pairs LoadKeystoreDir
// decrypts on startup, sourced from the relayer roster.
type RelayerKeySpec struct {
	RelayerID string
	ChainType chain.Type
}

type v3KeystoreFile struct {
	Crypto keystore.CryptoJSON `json:"crypto"`
}

// LoadKeystoreDir decrypts one go-ethereum V3 keystore file per relayer
// into backend. EVM relayers' files hold a secp256k1 key decrypted the
// normal way; Solana/Stellar relayers reuse the same V3 envelope and
// scrypt KDF but treat the decrypted plaintext as a raw ed25519 seed
// rather than rolling a second at-rest encryption scheme for non-EVM
// keys. Every file is named <dir>/<relayer_id>.json. passphrase is
// zeroed in place before this function returns, per spec.md §4.3.
func LoadKeystoreDir(backend *LocalBackend, dir string, specs []RelayerKeySpec, passphrase []byte) error {
	defer zero(passphrase)

	for _, spec := range specs {
		path := filepath.Join(dir, spec.RelayerID+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("signer: read keystore %s: %w", path, err)
		}

		if spec.ChainType == chain.EVM {
			if err := backend.LoadEVMKeystore(spec.RelayerID, raw, passphrase); err != nil {
				return fmt.Errorf("signer: decrypt keystore for %s: %w", spec.RelayerID, err)
			}
			continue
		}

		var file v3KeystoreFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("signer: parse keystore %s: %w", path, err)
		}
		seed, err := keystore.DecryptDataV3(file.Crypto, string(passphrase))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWrongPassphrase, err)
		}
		err = backend.LoadEd25519Seed(spec.RelayerID, spec.ChainType, seed)
		zero(seed)
		if err != nil {
			return fmt.Errorf("signer: load ed25519 seed for %s: %w", spec.RelayerID, err)
		}
	}
	return nil
}

// zero overwrites b in place; used instead of letting secrets outlive
// their scope in the GC'd heap.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
