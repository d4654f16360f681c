package main

import (
	"fmt"
	"strings"

	"github.com/derril-tech/researchflow/internal/apikey"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newKeysCommand(opts *rootOptions) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	keysCmd.AddCommand(newKeysCreateCommand(opts))
	keysCmd.AddCommand(newKeysListCommand(opts))
	keysCmd.AddCommand(newKeysRevokeCommand(opts))
	return keysCmd
}

func newKeysCreateCommand(opts *rootOptions) *cobra.Command {
	var owner, name string
	var scopes []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := uuid.Parse(strings.TrimSpace(owner))
			if err != nil {
				return fmt.Errorf("--owner must be a UUID: %w", err)
			}
			key, raw, err := apikey.Issue(ownerID, name, scopes)
			if err != nil {
				return err
			}

			st, closeFn, err := opts.store(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("store key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created key %s (%s) with scopes %s\n", key.ID, key.Name, strings.Join(key.Scopes, ","))
			fmt.Fprintf(out, "Key: %s\n", raw)
			fmt.Fprintln(out, "Store it now; it cannot be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable key name")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to grant (repeatable: read, write, review, admin)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newKeysListCommand(opts *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's active API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := uuid.Parse(strings.TrimSpace(owner))
			if err != nil {
				return fmt.Errorf("--owner must be a UUID: %w", err)
			}
			st, closeFn, err := opts.store(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			keys, err := st.ListAPIKeys(cmd.Context(), ownerID)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys")
				return nil
			}

			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{k.ID.String(), k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Prefix", "Scopes", "Last used"}, rows))
			return err
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newKeysRevokeCommand(opts *rootOptions) *cobra.Command {
	var id, owner string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(strings.TrimSpace(id))
			if err != nil {
				return fmt.Errorf("--id must be a UUID: %w", err)
			}
			ownerID, err := uuid.Parse(strings.TrimSpace(owner))
			if err != nil {
				return fmt.Errorf("--owner must be a UUID: %w", err)
			}
			st, closeFn, err := opts.store(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := st.RevokeAPIKey(cmd.Context(), keyID, ownerID); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", keyID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Key UUID")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner UUID")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
