// Package voting holds the cryptographic and counting rules of milestone
// governance: canonical signed messages, ed25519 verification, Keccak-256
// vote hashes and the tally itself. Nothing here touches storage.
package voting

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
)

// DefaultApp tags every signed message so signatures cannot be replayed
// against another application.
const DefaultApp = "milestone-escrow"

// ActionWaiveAll is the action field of a waiver message.
const ActionWaiveAll = "WAIVE_ALL_VOTES"

// MaxNonceLength bounds client supplied nonces.
const MaxNonceLength = 128

// canonical encodes fields as JSON. encoding/json sorts map keys, so the
// output is byte-for-byte deterministic.
func canonical(fields map[string]string) []byte {
	out, err := json.Marshal(fields)
	if err != nil {
		// a map of strings always marshals
		panic(err)
	}
	return out
}

// VoteMessage is the payload a contributor signs to vote on a milestone.
func VoteMessage(app string, campaignID, milestoneID uuid.UUID, choice models.Choice, nonce string) []byte {
	return canonical(map[string]string{
		"app":          appOrDefault(app),
		"campaign_id":  campaignID.String(),
		"milestone_id": milestoneID.String(),
		"nonce":        nonce,
		"vote":         strings.ToUpper(string(choice)),
	})
}

// WaiverMessage is the payload a contributor signs to pre-approve every
// milestone of a campaign.
func WaiverMessage(app string, campaignID uuid.UUID, nonce string) []byte {
	return canonical(map[string]string{
		"action":      ActionWaiveAll,
		"app":         appOrDefault(app),
		"campaign_id": campaignID.String(),
		"nonce":       nonce,
	})
}

func appOrDefault(app string) string {
	if app == "" {
		return DefaultApp
	}
	return app
}

// ValidateNonce rejects empty or oversized nonces.
func ValidateNonce(nonce string) error {
	if nonce == "" || len(nonce) > MaxNonceLength {
		return apperr.Validation(apperr.CodeInvalidInput, "nonce must be 1-%d characters", MaxNonceLength)
	}
	return nil
}

// ParsePublicKey decodes a hex ed25519 public key.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "public key must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a hex signature over message against a hex public key.
func Verify(hexKey string, message []byte, hexSig string) error {
	pub, err := ParsePublicKey(hexKey)
	if err != nil {
		return apperr.Integrity(apperr.CodeInvalidSignature, "registered public key is unusable").Wrap(err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(hexSig, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return apperr.Integrity(apperr.CodeInvalidSignature, "signature must be %d hex-encoded bytes", ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, message, sig) {
		return apperr.Integrity(apperr.CodeInvalidSignature, "signature does not match message")
	}
	return nil
}

// Sign is the client side of Verify. Used by tooling and tests.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, message))
}

func keccak(parts ...string) string {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TokenHash derives the opaque vote token issued on a first contribution.
func TokenHash(campaignID, contributorID uuid.UUID, issuedAt time.Time) string {
	return keccak(campaignID.String(), "|", contributorID.String(), "|", issuedAt.UTC().Format(time.RFC3339Nano))
}

// VoteHash binds a vote to the voter's token without revealing the token.
func VoteHash(tokenHash string, vote models.Vote) string {
	return keccak(tokenHash, vote.String())
}
