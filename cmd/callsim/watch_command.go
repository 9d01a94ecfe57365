package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/eleven-am/call-relay/internal/presence"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var (
		redisAddr string
		redisDB   int
		agentID   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print call lifecycle events published by relay processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := redis.NewClient(&redis.Options{
				Addr:     redisAddr,
				Password: os.Getenv("REDIS_PASSWORD"),
				DB:       redisDB,
			})
			defer client.Close()

			store := presence.NewStore(client)
			ctx := cmd.Context()
			events, closeSub, err := store.Subscribe(ctx)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer closeSub()

			stdout := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if agentID != "" && ev.AgentID != agentID {
						continue
					}
					fmt.Fprintln(stdout, formatEvent(ev))
				}
			}
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.Flags().IntVar(&redisDB, "redis-db", envIntOr("REDIS_DB", 0), "Redis database")
	cmd.Flags().StringVar(&agentID, "agent", "", "Only show events for this agent")

	return cmd
}

func formatEvent(ev presence.Event) string {
	line := fmt.Sprintf("%s  %-18s %s state=%s", ev.At.Format("15:04:05.000"), ev.Type, ev.CallID, ev.State)
	if ev.AgentID != "" {
		line += " agent=" + ev.AgentID
	}
	if ev.Reason != "" {
		line += " reason=" + ev.Reason
	}
	return line
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
