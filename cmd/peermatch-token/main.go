// Command peermatch-token mints a signed session token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"peermatch/internal/auth"
	"peermatch/internal/config"
	"peermatch/pkg/types"
)

func main() {
	userID := flag.String("user", "", "user ID to put in the token subject")
	username := flag.String("name", "", "display name (defaults to the user ID)")
	admin := flag.Bool("admin", false, "grant admin access to the history API")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	token, err := mint(os.Getenv("PEERMATCH_CONFIG_FILE"), &types.Identity{
		UserID:   *userID,
		Username: *username,
		IsAdmin:  *admin,
	}, *ttl)
	if err != nil {
		log.WithError(err).Fatal("Failed to mint token")
	}
	fmt.Println(token)
}

// mint signs identity with the configured auth secret and issuer
func mint(configPath string, identity *types.Identity, ttl time.Duration) (string, error) {
	if !types.IsValidUserID(identity.UserID) {
		return "", fmt.Errorf("invalid user ID %q", identity.UserID)
	}
	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return "", err
	}
	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return "", err
	}
	return verifier.Sign(identity, ttl)
}
