package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs settlement transactions with the executor wallet key. It is
// safe for concurrent use: all state is immutable after construction.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	txSigner   types.Signer
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the rollup chain ID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	id := big.NewInt(chainID)
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    id,
		txSigner:   types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the executor address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// TxParams carries everything needed to assemble one settlement transaction.
type TxParams struct {
	Nonce     uint64
	To        common.Address
	Calldata  []byte
	GasLimit  uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
	Value     *big.Int // nil means zero
}

// SignSettlement assembles and signs an EIP-1559 transaction for the
// settlement contract call.
func (s *Signer) SignSettlement(p TxParams) (*types.Transaction, error) {
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     p.Nonce,
		GasTipCap: p.GasTipCap,
		GasFeeCap: p.GasFeeCap,
		Gas:       p.GasLimit,
		To:        &p.To,
		Value:     value,
		Data:      p.Calldata,
	})

	signed, err := types.SignTx(tx, s.txSigner, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing settlement tx: %w", err)
	}
	return signed, nil
}
