// Package metadata handles content identifiers for blobs held outside the
// core: evidence files, shipment documents and rendezvous keys.
package metadata

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"scm_multichain/pkg/data"
)

// ContentID returns the CIDv1 (raw codec, sha2-256) of content.
func ContentID(content []byte) (cid.Cid, error) {
	sum, err := mh.Sum(content, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// ContentIDString is ContentID rendered in its default string encoding.
func ContentIDString(content []byte) (string, error) {
	c, err := ContentID(content)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// ValidateCID parses s and returns data.ErrInvalidEvidence if it is not a
// well-formed content identifier.
func ValidateCID(s string) (cid.Cid, error) {
	if s == "" {
		return cid.Undef, fmt.Errorf("%w: empty cid", data.ErrInvalidEvidence)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", data.ErrInvalidEvidence, err)
	}
	return c, nil
}

// Matches reports whether content hashes to the identifier s.
func Matches(s string, content []byte) bool {
	want, err := ValidateCID(s)
	if err != nil {
		return false
	}
	prefix := want.Prefix()
	got, err := prefix.Sum(content)
	if err != nil {
		return false
	}
	return got.Equals(want)
}
