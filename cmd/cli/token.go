package cli

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"tradieflow/internal/config"
)

var (
	flagTokenUser     string
	flagTokenTTLMin   int
	flagTokenNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := signUserToken(cfg.JWT.Secret, flagTokenUser, time.Now(), tokenTTL())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func tokenTTL() time.Duration {
	if flagTokenNoExpiry {
		return 0
	}
	return time.Duration(flagTokenTTLMin) * time.Minute
}

// signUserToken issues a token carrying user_id and sub. A zero ttl omits exp.
func signUserToken(secret, userID string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt.secret is empty; set it in config")
	}
	if userID == "" {
		return "", fmt.Errorf("--user is required")
	}
	claims := jwt.MapClaims{
		"user_id": userID,
		"sub":     userID,
		"iat":     now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func init() {
	tokenCmd.Flags().StringVarP(&flagTokenUser, "user", "u", "", "user id to embed")
	tokenCmd.Flags().IntVar(&flagTokenTTLMin, "ttl", 60, "token TTL in minutes")
	tokenCmd.Flags().BoolVar(&flagTokenNoExpiry, "no-exp", false, "do not set exp (use with care)")
	rootCmd.AddCommand(tokenCmd)
}
