package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/token"
)

var (
	flagTokenRoom  string
	flagTokenShare bool
	flagTokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a room-scoped access token",
	Long: `Mint a room-scoped access token signed with JWT_SECRET, for operators
and smoke tests. The room record itself is not checked.

Examples:
  signaling token --room demo123
  signaling token --room demo123 --share`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !models.ValidRoomName(flagTokenRoom) {
			return fmt.Errorf("invalid room name %q", flagTokenRoom)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ttl := cfg.Tokens.JoinTTL
		if flagTokenShare {
			ttl = cfg.Tokens.ShareTTL
		}
		if flagTokenTTL > 0 {
			ttl = flagTokenTTL
		}

		tok, expiresAt, err := token.NewService(cfg.JWTSecret).Issue(flagTokenRoom, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVarP(&flagTokenRoom, "room", "r", "", "Room name")
	tokenCmd.Flags().BoolVar(&flagTokenShare, "share", false, "Use the share-link lifetime (SHARE_TOKEN_TTL)")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 0, "Explicit lifetime, overriding the configured one")
	_ = tokenCmd.MarkFlagRequired("room")
}
