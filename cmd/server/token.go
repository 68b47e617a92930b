package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/middleware"
	"github.com/iliyamo/slot-booking/internal/utils"
)

var (
	tokenUser uint64
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed access token for local testing",
	Long: `Sign an access token with JWT_SECRET. Real tokens are issued by the
identity service; this is for local development only.

Examples:
  server token --user 42 --role CUSTOMER
  server token --user 1 --role STAFF`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Uint64Var(&tokenUser, "user", 0, "user id (sub claim)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", middleware.RoleCustomer, "CUSTOMER or STAFF")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := bootstrap()
	if err != nil {
		return err
	}
	role := strings.ToUpper(tokenRole)
	if role != middleware.RoleCustomer && role != middleware.RoleStaff {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	tok, err := utils.NewAccessToken(cfg.JWTSecret, tokenUser, role, cfg.AccessTTLMin)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tok)
}
