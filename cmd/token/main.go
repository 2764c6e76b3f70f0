// Command token mints a bearer token for an API client, e.g. the chat bot
// acting on behalf of a user.
package main

import (
	"flag"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sergeycw/windline/internal/config"
	"github.com/sergeycw/windline/internal/middleware"
)

func main() {
	configPath := flag.String("config", "windline.toml", "path to the TOML config file")
	owner := flag.Int64("owner", 0, "owner id the token acts for")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	flag.Parse()

	if *owner <= 0 {
		logrus.Fatal("-owner must be a positive id")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := middleware.GenerateToken(*owner, []byte(cfg.Auth.JWTSecret), lifetime)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to sign token")
	}
	fmt.Println(token)
}
