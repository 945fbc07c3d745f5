package airlock

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is one channel generation: the opaque session token, the
// endpoint URL derived from it, and the session credential presented as
// the urbauth cookie. Identities are never mutated; reconnection replaces
// the whole value.
type Identity struct {
	Token      string
	Endpoint   string
	Credential string
}

// NewIdentity mints a fresh channel identity against baseURL. The token is
// coarse unix seconds plus a short random suffix, so two identities minted
// in the same second still differ.
func NewIdentity(baseURL, credential string) Identity {
	token := fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8])
	return Identity{
		Token:      token,
		Endpoint:   strings.TrimRight(baseURL, "/") + "/~/channel/" + token,
		Credential: credential,
	}
}
