// Package security authenticates votes with secp256k1 signatures that
// recover to the voter's EVM address.
package security

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"scm_multichain/pkg/data"
)

const voteDomain = "scm-vote"

// VoteDigest is the message a voter signs: subject id, subject digest, voter
// and choice, hashed with Keccak-256.
func VoteDigest(subjectID, subjectDigest, voter string, approve bool) common.Hash {
	choice := "reject"
	if approve {
		choice = "approve"
	}
	msg := strings.Join([]string{voteDomain, subjectID, subjectDigest, strings.ToLower(voter), choice}, "|")
	return crypto.Keccak256Hash([]byte(msg))
}

// Signer holds a node key used to sign its own votes.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return NewSigner(key), nil
}

// SignerFromHex loads a signer from a hex encoded private key.
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return NewSigner(key), nil
}

// Address is the checksummed address votes from this signer must use.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign signs digest and returns the 65-byte signature hex encoded.
func (s *Signer) Sign(digest common.Hash) (string, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// SignVote signs the vote digest for subjectID.
func (s *Signer) SignVote(subjectID, subjectDigest string, approve bool) (string, error) {
	return s.Sign(VoteDigest(subjectID, subjectDigest, s.Address(), approve))
}

// VerifyVote checks that sig over digest was produced by the key behind
// voter. Any failure is reported as data.ErrInvalidSignature.
func VerifyVote(voter string, digest common.Hash, sig string) error {
	if !common.IsHexAddress(voter) {
		return fmt.Errorf("%w: voter %q is not an address", data.ErrInvalidSignature, voter)
	}
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrInvalidSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return fmt.Errorf("%w: bad length %d", data.ErrInvalidSignature, len(raw))
	}
	// Wallets encode the recovery id as 27/28.
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(voter) {
		return fmt.Errorf("%w: signer does not match voter", data.ErrInvalidSignature)
	}
	return nil
}
