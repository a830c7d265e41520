package eth

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// EIP-712 domain of resolution attestations.
const (
	DomainName     = "Prophetia Oracle"
	DomainVersion  = "1"
	DefaultChainID = int64(137)

	// profitDecimals is the fixed-point precision of the signed profit.
	profitDecimals = 6
)

var resolutionTypeHash = crypto.Keccak256Hash([]byte(
	"Resolution(bytes32 predictionId,bool won,uint256 profit,uint256 nonce)"))

var (
	ErrUnauthorizedSigner = errors.New("attestation signer not authorized")
	ErrSignerMismatch     = errors.New("attestation signer does not match signature")
	ErrInvalidProfit      = errors.New("invalid attested profit")
)

// Resolution is the signed statement that a prediction won or lost.
type Resolution struct {
	PredictionID string          `json:"prediction_id"`
	Won          bool            `json:"won"`
	Profit       decimal.Decimal `json:"profit"`
	Nonce        uint64          `json:"nonce"`
}

// Attestation is a Resolution with the resolver's signature.
type Attestation struct {
	Resolution
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// Signer signs resolutions with a resolver key.
type Signer struct {
	wallet *Wallet
	domain common.Hash
}

// NewSigner creates a signer for chainID.
func NewSigner(wallet *Wallet, chainID int64) *Signer {
	return &Signer{wallet: wallet, domain: hashEIP712Domain(DomainName, DomainVersion, chainID)}
}

// Address returns the signing address.
func (s *Signer) Address() common.Address {
	return s.wallet.Address()
}

// SignResolution signs r.
func (s *Signer) SignResolution(r Resolution) (*Attestation, error) {
	hash, err := typedDataHash(s.domain, r)
	if err != nil {
		return nil, err
	}
	sig, err := s.wallet.SignHash(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign resolution: %w", err)
	}
	return &Attestation{
		Resolution: r,
		Signer:     s.wallet.AddressHex(),
		Signature:  hexutil.Encode(sig),
	}, nil
}

// Verifier checks attestations against an allow-list of resolvers and
// rejects replayed nonces.
type Verifier struct {
	domain  common.Hash
	allowed map[common.Address]bool
	nonces  *NonceStore
}

// NewVerifier creates a verifier. nonces may be nil to skip replay checks.
func NewVerifier(chainID int64, allowed []common.Address, nonces *NonceStore) *Verifier {
	v := &Verifier{
		domain:  hashEIP712Domain(DomainName, DomainVersion, chainID),
		allowed: make(map[common.Address]bool, len(allowed)),
		nonces:  nonces,
	}
	for _, a := range allowed {
		v.allowed[a] = true
	}
	return v
}

// ParseAddresses parses a comma separated list of hex addresses.
func ParseAddresses(list string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}

// Verify recovers the signer of a, checks it is authorized, and consumes the
// nonce. The nonce is only consumed when the signature is valid.
func (v *Verifier) Verify(a *Attestation) (common.Address, error) {
	hash, err := typedDataHash(v.domain, a.Resolution)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(a.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer, err := RecoverAddress(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}

	if a.Signer != "" && common.HexToAddress(a.Signer) != signer {
		return common.Address{}, fmt.Errorf("%w: claimed %s, recovered %s", ErrSignerMismatch, a.Signer, signer.Hex())
	}
	if !v.allowed[signer] {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer.Hex())
	}
	if v.nonces != nil {
		if err := v.nonces.Use(signer, a.Nonce); err != nil {
			return common.Address{}, err
		}
	}
	return signer, nil
}

// typedDataHash computes keccak256("\x19\x01" ++ domainSeparator ++ hashStruct(r)).
// The profit is signed as an integer of micro-units, so digits below that
// are rejected rather than dropped.
func typedDataHash(domain common.Hash, r Resolution) (common.Hash, error) {
	if r.Profit.IsNegative() {
		return common.Hash{}, fmt.Errorf("%w: %s is negative", ErrInvalidProfit, r.Profit)
	}
	units := r.Profit.Shift(profitDecimals)
	if !units.Equal(units.Truncate(0)) {
		return common.Hash{}, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidProfit, r.Profit, profitDecimals)
	}
	profit := units.BigInt()

	won := byte(0)
	if r.Won {
		won = 1
	}

	structHash := crypto.Keccak256Hash(
		resolutionTypeHash.Bytes(),
		crypto.Keccak256([]byte(r.PredictionID)),
		common.LeftPadBytes([]byte{won}, 32),
		math.U256Bytes(profit),
		math.U256Bytes(new(big.Int).SetUint64(r.Nonce)),
	)

	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domain.Bytes(),
		structHash.Bytes(),
	), nil
}

// hashEIP712Domain computes the domain separator hash (no verifyingContract).
func hashEIP712Domain(name, version string, chainID int64) common.Hash {
	typeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)"))

	return crypto.Keccak256Hash(
		typeHash.Bytes(),
		crypto.Keccak256([]byte(name)),
		crypto.Keccak256([]byte(version)),
		common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32),
	)
}
