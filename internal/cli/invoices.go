package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smallbiznis/xpm-connect/internal/service/xpm"
)

func newInvoicesCmd(env *environment) *cobra.Command {
	var tenantID, from, to string
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Query Practice Manager invoices for a tenant and date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseRange(from, to)
			if err != nil {
				return err
			}

			s, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.resolver().FetchInvoices(cmd.Context(), tenantID, window)
			if err != nil {
				return err
			}
			out := map[string]any{
				"status":        res.Status,
				"endpointTried": res.EndpointUsed,
				"count":         len(res.Records),
				"data":          res.Records,
			}
			if !res.Accepted {
				out["errorBody"] = res.RawErrorBody
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&from, "from", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "End date (YYYY-MM-DD)")
	for _, name := range []string{"tenant", "from", "to"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func parseRange(from, to string) (xpm.DateRange, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return xpm.DateRange{}, fmt.Errorf("--from must be YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return xpm.DateRange{}, fmt.Errorf("--to must be YYYY-MM-DD")
	}
	if start.After(end) {
		return xpm.DateRange{}, fmt.Errorf("--from must not be after --to")
	}
	return xpm.DateRange{From: start, To: end}, nil
}
