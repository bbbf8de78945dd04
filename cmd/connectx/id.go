package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newIDCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "id [username]",
		Short: "Print this station's identity, creating it on first use",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := stateDirFromCmd(cmd)
			now := time.Now().UTC()
			ident, created, err := ensureIdentity(dir, now)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				username := strings.TrimSpace(args[0])
				if username == "" {
					return fmt.Errorf("username must not be blank")
				}
				if username != ident.Username {
					ident.Username = username
					ident.UpdatedAt = now
					if err := saveIdentity(dir, ident); err != nil {
						return err
					}
				}
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"user_id":    ident.UserID,
					"username":   ident.Username,
					"peer_id":    ident.PeerID,
					"created":    created,
					"created_at": ident.CreatedAt,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\n", ident.UserID)
			if ident.Username != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "username: %s\n", ident.Username)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "peer_id: %s\n", ident.PeerID)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created_at: %s\n", ident.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
