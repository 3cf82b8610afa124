package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mossy-p/room-signaling/internal/backbone"
	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/redis"
	"github.com/mossy-p/room-signaling/internal/rooms"
	"github.com/mossy-p/room-signaling/internal/token"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Inspect rooms",
}

var roomsInspectCmd = &cobra.Command{
	Use:   "inspect <name>",
	Short: "Show a room record and its live members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		svc := rooms.NewService(logger, rooms.NewStore(rdb), token.NewService(cfg.JWTSecret), rooms.Options{
			DefaultTTL:    cfg.Rooms.DefaultTTL,
			MaxTTL:        cfg.Rooms.MaxTTL,
			JoinTokenTTL:  cfg.Tokens.JoinTTL,
			ShareTokenTTL: cfg.Tokens.ShareTTL,
		})
		room, err := svc.Get(ctx, args[0])
		if err != nil {
			return err
		}
		members, err := backbone.NewRedisGroups(rdb).Members(ctx, room.Name)
		if err != nil {
			return err
		}

		renderRoom(cmd.OutOrStdout(), room, members, time.Now())
		return nil
	},
}

func renderRoom(w io.Writer, room models.Room, members backbone.Members, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Room " + room.Name)
	t.AppendRows([]table.Row{
		{"Privacy", room.Privacy},
		{"Created", room.CreatedAt.Format(time.RFC3339)},
		{"Expires", fmt.Sprintf("%s (in %s)", room.ExpiresAt.Format(time.RFC3339), room.ExpiresAt.Sub(now).Round(time.Second))},
		{"Members", len(members.IDs)},
		{"Version", members.Version},
	})
	if len(members.IDs) > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Sessions", strings.Join(members.IDs, "\n")})
	}
	t.Render()
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsInspectCmd)
}
