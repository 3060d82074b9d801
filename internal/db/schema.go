package db

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const channelPlaceholder = "{{feed_channel}}"

var channelName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Schema renders the DDL with the NOTIFY channel the queue trigger publishes
// on. The channel must match the one the feed relay listens to.
func Schema(feedChannel string) (string, error) {
	if !channelName.MatchString(feedChannel) {
		return "", fmt.Errorf("invalid feed channel %q", feedChannel)
	}
	return strings.ReplaceAll(schemaSQL, channelPlaceholder, feedChannel), nil
}

// EnsureSchema applies the idempotent schema. Every statement uses IF NOT
// EXISTS / OR REPLACE so it is safe to run on each start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, feedChannel string) error {
	ddl, err := Schema(feedChannel)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
