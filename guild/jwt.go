package guild

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims the client reads from its session token.
// the token is issued and verified by the auth collaborator; the client only reads it.
type SessionJwt struct {
	UserId   string
	Username string
	Expires  int64
}

func ParseJwtUnverified(jwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionJwt := &SessionJwt{}

	switch v := claims["user_id"].(type) {
	case string:
		sessionJwt.UserId = v
	case float64:
		sessionJwt.UserId = fmt.Sprintf("%d", int64(v))
	}
	if sessionJwt.UserId == "" {
		if sub, err := claims.GetSubject(); err == nil {
			sessionJwt.UserId = sub
		}
	}
	if username, ok := claims["username"].(string); ok {
		sessionJwt.Username = username
	}
	if expires, err := claims.GetExpirationTime(); err == nil && expires != nil {
		sessionJwt.Expires = expires.Unix()
	}

	if sessionJwt.UserId == "" {
		return nil, fmt.Errorf("jwt does not have a user_id")
	}
	return sessionJwt, nil
}
