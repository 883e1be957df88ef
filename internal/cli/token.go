package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect stored tenant tokens",
	}
	cmd.AddCommand(newTokenListCmd(env), newTokenShowCmd(env))
	return cmd
}

func newTokenListCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants with a stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			records, err := s.repo.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tEXPIRES AT\tUPDATED AT")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\n", rec.TenantID, rec.ExpiresAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

// tokenSummary never carries token values.
type tokenSummary struct {
	TenantID        string `json:"tenantId"`
	TokenType       string `json:"tokenType,omitempty"`
	Scope           string `json:"scope,omitempty"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
	Expired         bool   `json:"expired"`
	HasAccessToken  bool   `json:"hasAccessToken"`
	HasRefreshToken bool   `json:"hasRefreshToken"`
	HasIDToken      bool   `json:"hasIdToken"`
}

func newTokenShowCmd(env *environment) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Decrypt a tenant's token set and print its metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			set, err := s.tokens.Load(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			summary := tokenSummary{
				TenantID:        tenantID,
				TokenType:       set.TokenType,
				Scope:           set.Scope,
				HasAccessToken:  set.AccessToken != "",
				HasRefreshToken: set.RefreshToken != "",
				HasIDToken:      set.IDToken != "",
			}
			if exp := set.Expiry(); !exp.IsZero() {
				summary.ExpiresAt = exp.Format(time.RFC3339)
				summary.Expired = !exp.After(time.Now())
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
