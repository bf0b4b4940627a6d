package signaling

import (
	"bytes"
	"crypto/subtle"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// DefaultNonceTTL время жизни выданного nonce
const DefaultNonceTTL = 5 * time.Minute

// DigestAuthenticator проверяет REGISTER по схеме Digest (RFC 2617).
// Учетная запись без пароля принимается без проверки.
type DigestAuthenticator struct {
	Realm string
	TTL   time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewDigestAuthenticator создает аутентификатор для realm
func NewDigestAuthenticator(realm string) *DigestAuthenticator {
	return &DigestAuthenticator{
		Realm:  realm,
		TTL:    DefaultNonceTTL,
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Authenticate реализует Authenticator
func (a *DigestAuthenticator) Authenticate(local, remote string, req *sip.Request, account *Account) AuthResult {
	if account == nil {
		return AuthResult{StatusCode: sip.StatusForbidden, Reason: "Forbidden"}
	}
	if account.Password == "" {
		return AuthResult{Authenticated: true}
	}

	h := req.GetHeader("Authorization")
	if h == nil || !digest.IsDigest(h.Value()) {
		return a.challenge(false)
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return a.challenge(false)
	}
	if !strings.EqualFold(cred.Username, account.Username) {
		return AuthResult{StatusCode: sip.StatusForbidden, Reason: "Forbidden"}
	}
	if !a.consumeNonce(cred.Nonce) {
		return a.challenge(true)
	}

	chal := &digest.Challenge{
		Realm:     cred.Realm,
		Nonce:     cred.Nonce,
		Opaque:    cred.Opaque,
		Algorithm: cred.Algorithm,
	}
	if cred.QOP != "" {
		chal.QOP = []string{cred.QOP}
	}
	expected, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: account.Username,
		Password: account.Password,
		Count:    cred.Nc,
		Cnonce:   cred.Cnonce,
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(req.Body())), nil
		},
	})
	if err != nil {
		return a.challenge(false)
	}
	if subtle.ConstantTimeCompare([]byte(expected.Response), []byte(cred.Response)) != 1 {
		return a.challenge(false)
	}
	return AuthResult{Authenticated: true}
}

func (a *DigestAuthenticator) challenge(stale bool) AuthResult {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")

	a.mu.Lock()
	now := a.now()
	for n, issued := range a.nonces {
		if now.Sub(issued) > a.TTL {
			delete(a.nonces, n)
		}
	}
	a.nonces[nonce] = now
	a.mu.Unlock()

	chal := digest.Challenge{
		Realm:     a.Realm,
		Nonce:     nonce,
		Algorithm: "MD5",
		Stale:     stale,
	}
	return AuthResult{
		StatusCode: sip.StatusUnauthorized,
		Reason:     "Unauthorized",
		Challenge:  sip.NewHeader("WWW-Authenticate", chal.String()),
	}
}

// consumeNonce проверяет, что nonce выдан этим аутентификатором и не устарел.
// Использованный nonce остается действительным до истечения TTL: устройства повторяют REGISTER с теми же данными.
func (a *DigestAuthenticator) consumeNonce(nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	issued, ok := a.nonces[nonce]
	if !ok {
		return false
	}
	if a.now().Sub(issued) > a.TTL {
		delete(a.nonces, nonce)
		return false
	}
	return true
}
