// Package integrity implements the connect-time challenge/response
// handshake and the hardware-id gate contract (spec.md §4.7). It has
// no notion of reliability or framing: the dispatcher hands it the
// decoded payload of CONNECTING-state datagrams and applies whatever
// decision it returns.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/xid"
)

// challengeTTL bounds how long a client has to answer a challenge
// before it is forgotten and the handshake must restart.
const challengeTTL = 10 * time.Second

// Challenge is the server's half of the handshake: an opaque token the
// client must echo back transformed with the shared secret.
type Challenge struct {
	Token   string
	Nonce   []byte
	IssuedAt time.Time
}

// Verifier issues and checks connect-time challenges. secret is the
// shared integrity key (spec.md §6 config), held for the verifier's
// lifetime and used by Verify to compute each expected response.
type Verifier struct {
	secret     []byte
	challenges *cache.Cache // token -> Challenge
}

// NewVerifier returns a verifier keyed by secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret:     secret,
		challenges: cache.New(challengeTTL, challengeTTL/2),
	}
}

// Issue mints a new challenge and remembers it until challengeTTL
// elapses or it is consumed by Verify.
func (v *Verifier) Issue(nonce []byte) Challenge {
	c := Challenge{
		Token:    xid.New().String(),
		Nonce:    append([]byte(nil), nonce...),
		IssuedAt: time.Now(),
	}
	v.challenges.Set(c.Token, c, challengeTTL)
	return c
}

// Verify checks a client's response to a previously issued token. The
// expected response is HMAC-SHA256(secret, nonce), spec.md §4.7's
// integrity proof. A token may only be consumed once: Verify deletes
// it whether or not the response matches, closing the replay window on
// the handshake itself.
func (v *Verifier) Verify(token string, response []byte) bool {
	raw, ok := v.challenges.Get(token)
	if !ok {
		return false
	}
	v.challenges.Delete(token)
	c := raw.(Challenge)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(c.Nonce)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, response)
}

// Pending reports how many challenges are awaiting a response, for
// diagnostics.
func (v *Verifier) Pending() int {
	return v.challenges.ItemCount()
}
