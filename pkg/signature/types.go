package signature

// Envelope carries everything a third party needs to verify a signed
// trust-layer record: which key signed it, over what digest, and when.
// Signatures are ed25519 over the SHA-256 digest of the canonical payload.
type Envelope struct {
	Algorithm   string `json:"algorithm"`
	KeyID       string `json:"key_id"`
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature"`
	IssuedAt    string `json:"issued_at"`
}

// AlgorithmEd25519 is the only signing algorithm the trust layer produces.
const AlgorithmEd25519 = "ed25519"
