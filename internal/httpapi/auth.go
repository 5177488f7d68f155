package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeAnalyticsRead = "analytics:read"
	ScopeAdmin         = "admin"

	defaultAudience = "intellimail"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Scopes decodes either a JSON array or a space separated string.
type Scopes map[string]struct{}

func (s *Scopes) UnmarshalJSON(data []byte) error {
	out := Scopes{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a string or an array of strings")
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

func (s Scopes) MarshalJSON() ([]byte, error) {
	list := make([]string, 0, len(s))
	for scope := range s {
		list = append(list, scope)
	}
	sort.Strings(list)
	return json.Marshal(list)
}

func (s Scopes) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

type Claims struct {
	OwnerID string `json:"owner_id"`
	Scopes  Scopes `json:"scopes"`
	jwt.RegisteredClaims
}

// rateKey identifies the caller for request limiting.
func (c *Claims) rateKey() string {
	return c.Subject + "|" + c.OwnerID
}

type authenticator struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func (a *authenticator) parse(raw string) (*Claims, *authError) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: tokenErrorMessage(err)}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	default:
		return "invalid token"
	}
}

// authorize checks the bearer token from the Authorization header, falling
// back to the access_token query parameter that browsers use for websockets.
func (a *authenticator) authorize(r *http.Request, ownerID string, required ...string) (*Claims, *authError) {
	raw := ""
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
		}
		raw = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	claims, authErr := a.parse(raw)
	if authErr != nil {
		return nil, authErr
	}
	if !hasAnyScope(claims.Scopes, required...) {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + strings.Join(required, " or "),
		}
	}
	if ownerID != "" && claims.OwnerID != ownerID && !claims.Scopes.Has(ScopeAdmin) {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "owner mismatch"}
	}
	return claims, nil
}

func hasAnyScope(scopes Scopes, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, scope := range required {
		if scopes.Has(scope) {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for ownerID. Operators use it to mint
// dashboard and admin tokens.
func IssueToken(secret, audience, subject, ownerID string, scopes []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	if audience == "" {
		audience = defaultAudience
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	set := Scopes{}
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	claims := Claims{
		OwnerID: ownerID,
		Scopes:  set,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
