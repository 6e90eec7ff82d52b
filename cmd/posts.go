package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

const maxListLimit = 500

func newPostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posts",
		Short: "Post moderation",
	}
	cmd.AddCommand(
		newPostsListCmd(),
		newPostVisibilityCmd("delete", "Soft-deletes a post", forum.Gateway.SoftDeletePost),
		newPostVisibilityCmd("restore", "Restores a soft-deleted post", forum.Gateway.RestorePost),
	)
	return cmd
}

func newPostsListCmd() *cobra.Command {
	var (
		since  string
		filter forum.PostFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists posts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since != "" {
				t, err := parseSince(since)
				if err != nil {
					return err
				}
				filter.Since = &t
			}
			if filter.Limit > maxListLimit {
				filter.Limit = maxListLimit
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			posts, err := appInstance.Gateway().ListPosts(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list posts: %w", err)
			}
			return printJSON(cmd, posts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&since, "since", "", "only posts at or after this time (RFC 3339 or any common date format, UTC assumed)")
	f.BoolVar(&filter.HasGeo, "has-geo", false, "only posts whose topic has coordinates")
	f.BoolVar(&filter.IncludeDeleted, "include-deleted", false, "include soft-deleted posts")
	f.StringVarP(&filter.Query, "query", "q", "", "case-insensitive substring match on content, author or topic title")
	f.IntVar(&filter.Limit, "limit", forum.DefaultPostLimit, "page size (max 500)")
	f.IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

func parseSince(raw string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", raw, err)
	}
	return t.UTC(), nil
}

type visibilityOp func(gw forum.Gateway, ctx context.Context, postID int64) (bool, error)

func newPostVisibilityCmd(use, short string, op visibilityOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <post-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "post-id")
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := op(appInstance.Gateway(), cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("%s post %d: %w", use, id, err)
			}
			if !ok {
				return fmt.Errorf("post %d not found", id)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "post %d: %s ok\n", id, use)
			return err
		},
	}
}

func parseID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}
