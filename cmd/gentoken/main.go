// Package main provides a small tool to generate admin API tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/meshenvy/firmware-builder/internal/auth"
)

func main() {
	subject := flag.String("subject", "admin", "Subject for the token")
	role := flag.String("role", string(auth.RoleAdmin), "Role for the token (admin or viewer)")
	secret := flag.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	issuer := flag.String("issuer", defaultIssuer(), "Token issuer (or set JWT_ISSUER env var)")
	expiry := flag.Duration("expiry", 24*365*time.Hour, "Token expiry duration (default: 1 year)")
	flag.Parse()

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret required. Use -secret flag or set JWT_SECRET env var")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/gentoken -secret 'your-secret-at-least-32-chars-long'")
		os.Exit(1)
	}
	if len(jwtSecret) < 32 {
		fmt.Fprintln(os.Stderr, "Error: JWT secret must be at least 32 characters")
		os.Exit(1)
	}
	if !auth.Role(*role).Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown role %q\n", *role)
		os.Exit(1)
	}

	svc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
		Issuer:      *issuer,
	}, nil)
	token, err := svc.GenerateToken(*subject, auth.Role(*role))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}

func defaultIssuer() string {
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		return v
	}
	return "firmware-builder"
}
