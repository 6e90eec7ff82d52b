package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

func newAttachmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachments",
		Short: "Attachment maintenance",
	}
	cmd.AddCommand(newAttachmentsRetryCmd())
	return cmd
}

func newAttachmentsRetryCmd() *cobra.Command {
	var (
		postID  int64
		force   bool
		missing bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-downloads attachments for one post or every attachment without a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case missing && postID != 0:
				return errors.New("--post-id and --missing are mutually exclusive")
			case !missing && postID <= 0:
				return errors.New("--post-id must be a positive integer (or use --missing)")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if missing {
				results, err := appInstance.RetryMissingAttachments(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("retry missing attachments: %w", err)
				}
				return printJSON(cmd, results)
			}
			res, err := appInstance.RetryAttachments(cmd.Context(), postID, force)
			if errors.Is(err, forum.ErrNotFound) {
				return fmt.Errorf("post %d not found", postID)
			}
			if err != nil {
				return fmt.Errorf("retry attachments for post %d: %w", postID, err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Int64Var(&postID, "post-id", 0, "post id whose attachments to retry")
	cmd.Flags().BoolVar(&force, "force", false, "download even when a file is already stored")
	cmd.Flags().BoolVar(&missing, "missing", false, "retry every attachment with no stored file")
	cmd.Flags().IntVar(&limit, "limit", forum.DefaultAttachmentLimit, "maximum attachments to scan with --missing")
	return cmd
}
