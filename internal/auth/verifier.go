package auth

import (
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
	log "github.com/sirupsen/logrus"

	"peermatch/pkg/types"
)

// Claims is the token body issued by the user service
// FUNCTIONAL DISCOVERY: the user service puts the user id in "id"; standard
// issuers use "sub". Either is accepted, "sub" first.
type Claims struct {
	jwt.StandardClaims
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
}

// Verifier validates HMAC-signed JWTs
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier for secret; a non-empty issuer is enforced
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// Verify parses token and returns the identity it asserts. Every failure
// wraps types.ErrAuth.
func (v *Verifier) Verify(token string) (*types.Identity, error) {
	claims := &Claims{}
	parser := &jwt.Parser{SkipClaimsValidation: true}

	decoded, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedMethod, t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		log.WithError(err).Debug("Failed to decode token")
		return nil, fmt.Errorf("%w: %v", types.ErrAuth, err)
	}
	if !decoded.Valid {
		return nil, types.ErrAuth
	}

	if err := v.validateTimes(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAuth, err)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", types.ErrAuth, claims.Issuer)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.ID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: %v", types.ErrAuth, ErrMissingSubject)
	}
	if !types.IsValidUserID(userID) {
		return nil, fmt.Errorf("%w: %v", types.ErrAuth, ErrInvalidUserID)
	}

	username := claims.Username
	if username == "" {
		username = userID
	}

	return &types.Identity{
		UserID:   userID,
		Username: username,
		IsAdmin:  claims.IsAdmin,
	}, nil
}

// validateTimes checks exp and nbf against the verifier clock
func (v *Verifier) validateTimes(claims *Claims) error {
	now := v.now().Unix()
	if !claims.VerifyExpiresAt(now, false) {
		return ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now, false) {
		return ErrTokenNotYetUsable
	}
	return nil
}

// Sign issues a token for identity valid for ttl; used by tests and the
// development token command
func (v *Verifier) Sign(identity *types.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   identity.UserID,
			Issuer:    v.issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
		Username: identity.Username,
		IsAdmin:  identity.IsAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString(v.secret)
}
