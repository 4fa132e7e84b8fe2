package main

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/meridianwallet/chaind/internal/wallet"
	"github.com/meridianwallet/chaind/pkg/errors"
)

// xpubKeys is a watch-only wallet.KeyManager: addresses are derived from
// an account-level extended public key, no private material is held.
type xpubKeys struct {
	account *hdkeychain.ExtendedKey
	params  *chaincfg.Params
}

var _ wallet.KeyManager = (*xpubKeys)(nil)

func newXpubKeys(xpub string, params *chaincfg.Params) (*xpubKeys, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "keys",
			"invalid extended public key")
	}
	if key.IsPrivate() {
		return nil, errors.New(errors.ErrorTypeValidation, "keys",
			"extended key is private, expected a public one")
	}
	return &xpubKeys{account: key, params: params}, nil
}

func (k *xpubKeys) AddressType(wallet.Path) wallet.AddressType {
	return wallet.AddressTypeP2WPKH
}

func (k *xpubKeys) BumpIndex(path wallet.Path) wallet.Path {
	return path.Next()
}

// PathToScriptHash derives the path's address and its subscription key:
// the sha256 of the locking script, byte-reversed and hex encoded.
func (k *xpubKeys) PathToScriptHash(path wallet.Path, addrType wallet.AddressType) (string, *wallet.AddressRecord, error) {
	chain, err := k.account.Derive(path.Role.ChainIndex())
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeValidation, "keys",
			"chain derivation failed").WithContext("path", path.String())
	}
	child, err := chain.Derive(path.Index)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeValidation, "keys",
			"index derivation failed").WithContext("path", path.String())
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeValidation, "keys",
			"public key extraction failed").WithContext("path", path.String())
	}

	pubKeyHash := btcutil.Hash160(pub.SerializeCompressed())
	var addr btcutil.Address
	switch addrType {
	case wallet.AddressTypeP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(pubKeyHash, k.params)
	default:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, k.params)
	}
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeValidation, "keys",
			"address encoding failed").WithContext("path", path.String())
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeValidation, "keys",
			"script build failed").WithContext("path", path.String())
	}

	digest := sha256.Sum256(script)
	for i, j := 0, len(digest)-1; i < j; i, j = i+1, j-1 {
		digest[i], digest[j] = digest[j], digest[i]
	}
	scriptHash := hex.EncodeToString(digest[:])

	record := wallet.NewAddressRecord(addr.EncodeAddress(), scriptHash, path, addrType)
	return scriptHash, record, nil
}
