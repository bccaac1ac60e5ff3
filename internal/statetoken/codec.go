package statetoken

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"

	"github.com/smallbiznis/valora-integrations/internal/domain/integration"
)

// TTL is the freshness window for authorization request state.
const TTL = 15 * time.Minute

const nonceBytes = 16

// Codec encodes and decodes the opaque, self-contained authorization request
// context. The token is a compact HS256 JWS over the JSON payload, so it is
// tamper-evident without any server-side session.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec constructs a codec keyed with the server state secret.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("statetoken: secret must be at least 32 bytes")
	}
	return &Codec{secret: secret, now: time.Now}, nil
}

// Encode serializes a fresh state payload for one authorization attempt.
func (c *Codec) Encode(orgID int64, kind integration.ProviderKind, integrationID int64) (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := integration.StatePayload{
		OrgID:         orgID,
		Provider:      kind,
		IntegrationID: integrationID,
		IssuedAt:      c.now().UnixMilli(),
		Nonce:         hex.EncodeToString(nonce),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: c.secret}, nil)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}
	jws, err := signer.Sign(raw)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	token, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize state: %w", err)
	}
	return token, nil
}

// Decode verifies and parses a state token. Tampered or malformed tokens fail
// with ErrInvalidState; stale tokens fail with ErrStateExpired. Both are
// terminal for the callback attempt.
func (c *Codec) Decode(token string) (*integration.StatePayload, error) {
	jws, err := gojose.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", integration.ErrInvalidState, err)
	}
	raw, err := jws.Verify(c.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: signature mismatch", integration.ErrInvalidState)
	}

	var payload integration.StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", integration.ErrInvalidState, err)
	}
	if payload.OrgID == 0 || payload.Nonce == "" {
		return nil, fmt.Errorf("%w: missing fields", integration.ErrInvalidState)
	}

	issuedAt := time.UnixMilli(payload.IssuedAt)
	if c.now().Sub(issuedAt) > TTL {
		return nil, fmt.Errorf("%w: issued %s ago", integration.ErrStateExpired, c.now().Sub(issuedAt).Truncate(time.Second))
	}
	return &payload, nil
}
