// Command gen-token prints an HS256 token accepted by the server when it
// runs with AUTH_SHARED_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	user := flag.String("user", "dev-user", "subject of the token")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("missing AUTH_SHARED_SECRET")
	}
	claims := jwt.MapClaims{
		"sub": *user,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(*ttl).Unix(),
	}
	if aud := os.Getenv("AUTH0_AUDIENCE"); aud != "" {
		claims["aud"] = aud
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Print(tok)
}
