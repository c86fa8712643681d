// Command devtoken mints a bearer token for local development, signed
// with the same secret and claims the API verifies.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pipecd/api/internal/auth"
	"pipecd/api/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	subject := flag.String("sub", uuid.NewString(), "user id to put in the token subject")
	email := flag.String("email", "dev@example.com", "email claim")
	role := flag.String("role", "", "role claim; empty falls back to the server default")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	claims := auth.NewClaims(*subject, *email, *role, *ttl)
	if cfg.JWTIssuer != "" {
		claims.Issuer = cfg.JWTIssuer
	}
	if cfg.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.JWTAudience}
	}

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), claims)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
