package cmd

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradestate/internal/api"
)

var closeCmd = &cobra.Command{
	Use:   "close <all|profit|loss|position-id>",
	Short: "Close positions on the running core",
	Long: `Ask the running core to close a batch of positions. "all" closes every
open and pending position, "profit" and "loss" close open positions by the
sign of their P&L, anything else is taken as one position id.

Examples:
  trader close all
  trader close loss
  trader close 01HV7Z3Q9K`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	rootCmd.AddCommand(closeCmd)
}

type closeReply struct {
	Requested int               `json:"requested"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Closed    []string          `json:"closed"`
	Errors    map[string]string `json:"errors"`
}

func runClose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var res closeReply
	if err := callAPI(cmd.Context(), apiBase(cfg.API.Listen), http.MethodPost, "/api/v1/close",
		api.CloseRequest{Target: args[0]}, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "requested %d, closed %d, failed %d\n", res.Requested, res.Succeeded, res.Failed)
	ids := make([]string, 0, len(res.Errors))
	for id := range res.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "  %s: %s\n", id, res.Errors[id])
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d closes failed", res.Failed, res.Requested)
	}
	return nil
}
