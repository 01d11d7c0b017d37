package versioning

import (
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/klingnet-registry/internal/registryerr"
	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
)

// BoardSignature is one verification board member's Schnorr signature over
// a version's merkle hash. Both fields are hex.
type BoardSignature struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// QuorumEvidence is what an approver presents to show the board agreed.
// The service checks every signature but does not decide what counts as a
// quorum.
type QuorumEvidence struct {
	Signatures []BoardSignature `json:"signatures"`
}

// Sign returns a BoardSignature by key over h.
func Sign(key *crypto.PrivateKey, h types.Hash) (BoardSignature, error) {
	sig, err := key.SignHash(h)
	if err != nil {
		return BoardSignature{}, err
	}
	return BoardSignature{PublicKey: key.PublicKeyHex(), Signature: hex.EncodeToString(sig)}, nil
}

// verify checks every signature against h and returns the signer keys.
func (q QuorumEvidence) verify(h types.Hash) ([]string, error) {
	if len(q.Signatures) == 0 {
		return nil, registryerr.Validation("evidence.signatures", "at least one board signature required")
	}
	seen := make(map[string]bool, len(q.Signatures))
	signers := make([]string, 0, len(q.Signatures))
	for i, bs := range q.Signatures {
		field := fmt.Sprintf("evidence.signatures[%d]", i)
		pub, err := hex.DecodeString(bs.PublicKey)
		if err != nil {
			return nil, registryerr.Validation(field, "public key is not hex")
		}
		sig, err := hex.DecodeString(bs.Signature)
		if err != nil {
			return nil, registryerr.Validation(field, "signature is not hex")
		}
		if err := crypto.ParsePublicKey(pub); err != nil {
			return nil, registryerr.Validation(field, "%v", err)
		}
		if seen[bs.PublicKey] {
			return nil, registryerr.Validation(field, "duplicate signer %s", bs.PublicKey)
		}
		if !crypto.VerifyHash(h, sig, pub) {
			return nil, registryerr.Validation(field, "signature does not verify")
		}
		seen[bs.PublicKey] = true
		signers = append(signers, bs.PublicKey)
	}
	return signers, nil
}
