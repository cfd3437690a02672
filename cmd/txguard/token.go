package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/txguard/types"
	"github.com/ethpandaops/txguard/utils"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate JWT tokens for API authentication",
	Long:  "Generate JWT tokens for API authentication with configurable rate limits and expiration times",
}

var generateTokenCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API token",
	Long:  "Generate a new JWT token for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateToken(cmd)
	},
}

var generateSecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a random secret for token signing",
	Long:  "Generate a cryptographically secure random secret for JWT token signing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return generateSecret()
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.AddCommand(generateTokenCmd)
	tokenCmd.AddCommand(generateSecretCmd)

	generateTokenCmd.Flags().StringP("name", "n", "", "Token name/identifier (required)")
	generateTokenCmd.Flags().UintP("rate-limit", "r", 0, "Rate limit per minute (0 = unlimited)")
	generateTokenCmd.Flags().UintP("max-pending", "m", 0, "Max pending requests per connection (0 = global config)")
	generateTokenCmd.Flags().StringP("duration", "d", "", "Token duration (e.g. '24h', '7d', '30d', empty = no expiration)")
	generateTokenCmd.Flags().StringP("secret", "s", "", "JWT signing secret (uses config value if not provided)")
	generateTokenCmd.Flags().StringP("config", "", "", "Path to txguard config file to load secret from")
	generateTokenCmd.Flags().StringSliceP("cors-origins", "c", []string{}, "Allowed CORS origins (e.g. 'https://example.com,https://*.example.com')")

	generateTokenCmd.MarkFlagRequired("name")
}

func generateToken(cmd *cobra.Command) error {
	name, _ := cmd.Flags().GetString("name")
	rateLimit, _ := cmd.Flags().GetUint("rate-limit")
	maxPending, _ := cmd.Flags().GetUint("max-pending")
	duration, _ := cmd.Flags().GetString("duration")
	secret, _ := cmd.Flags().GetString("secret")
	configPath, _ := cmd.Flags().GetString("config")
	corsOrigins, _ := cmd.Flags().GetStringSlice("cors-origins")

	if configPath != "" {
		cfg := &types.Config{}
		err := utils.ReadConfig(cfg, configPath)
		if err != nil {
			return fmt.Errorf("error reading config file: %v", err)
		}
		utils.Config = cfg
	}

	if secret == "" {
		if utils.Config != nil && utils.Config.Api.AuthSecret != "" {
			secret = utils.Config.Api.AuthSecret
		} else {
			return fmt.Errorf("no JWT secret provided. Use --secret flag, --config flag, or set API_AUTH_SECRET in config")
		}
	}

	now := time.Now()
	claims := &types.APITokenClaims{
		Name:               name,
		RateLimit:          rateLimit,
		MaxPendingRequests: maxPending,
		CorsOrigins:        corsOrigins,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Subject:  "api-access",
		},
	}

	if duration != "" {
		parsedDuration, err := parseDurationWithDays(duration)
		if err != nil {
			return fmt.Errorf("invalid duration format: %v (use format like '24h', '7d', '30d')", err)
		}
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(parsedDuration))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("failed to sign token: %v", err)
	}

	color.Green("Generated API Token:")
	color.Green("==================")
	fmt.Printf("Name: %s\n", name)
	fmt.Printf("Rate Limit: ")
	if rateLimit == 0 {
		fmt.Printf("Unlimited\n")
	} else {
		fmt.Printf("%d requests/minute\n", rateLimit)
	}
	fmt.Printf("Max Pending Requests: ")
	if maxPending == 0 {
		fmt.Printf("Uses global config\n")
	} else {
		fmt.Printf("%d\n", maxPending)
	}
	fmt.Printf("CORS Origins: ")
	if len(corsOrigins) == 0 {
		fmt.Printf("Uses global config\n")
	} else {
		fmt.Printf("%v\n", corsOrigins)
	}
	fmt.Printf("Issued At: %s\n", now.Format(time.RFC3339))
	if claims.ExpiresAt != nil {
		fmt.Printf("Expires At: %s\n", claims.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Expires At: Never\n")
		color.Yellow("warning: token never expires")
	}
	color.Cyan("\nToken:")
	fmt.Printf("%s\n", tokenString)
	color.Cyan("\nUsage:")
	fmt.Printf("curl -H \"Authorization: Bearer %s\" -d '{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"eth_chainId\"}' http://localhost:8645/rpc\n", tokenString)
	fmt.Printf("ws://localhost:8645/rpc?token=%s\n", tokenString)

	return nil
}

func generateSecret() error {
	secretBytes := make([]byte, 32)
	_, err := rand.Read(secretBytes)
	if err != nil {
		return fmt.Errorf("error generating secret: %v", err)
	}

	secret := base64.StdEncoding.EncodeToString(secretBytes)

	color.Green("Generated JWT Secret:")
	color.Green("====================")
	fmt.Printf("Secret: %s\n", secret)
	fmt.Printf("\nAdd this to your config.yaml:\n")
	fmt.Printf("api:\n")
	fmt.Printf("  authSecret: \"%s\"\n", secret)
	fmt.Printf("\nOr set environment variable:\n")
	fmt.Printf("export API_AUTH_SECRET=\"%s\"\n", secret)
	return nil
}

// parseDurationWithDays extends time.ParseDuration with a day suffix.
func parseDurationWithDays(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		days, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}
