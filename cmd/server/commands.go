package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"projectbot-core/internal/domain/entity"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question and print the response envelope",
	Long: `Answer one question through the full orchestration path and print the JSON envelope.

Examples:
  projectbot ask "How many projects are over budget?"
  projectbot ask --partition Marketing "List the Marketing projects"
  projectbot ask --provider openai --refresh "What is the status of Apollo?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")
		provider, _ := cmd.Flags().GetString("provider")
		refresh, _ := cmd.Flags().GetBool("refresh")

		ctx := background(cmd)
		d, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		resp := d.orchestrator.GetResponse(ctx, entity.Query{
			Text:        strings.Join(args, " "),
			Partition:   partition,
			Provider:    entity.ProviderName(provider),
			BypassCache: refresh,
		})
		return printJSON(cmd, resp)
	},
}

func init() {
	askCmd.Flags().String("partition", "", "restrict the question to one partition")
	askCmd.Flags().String("provider", "", "preferred provider (gemini or openai)")
	askCmd.Flags().Bool("refresh", false, "bypass cached context and search results")
	rootCmd.AddCommand(askCmd)
}

// --- search-metrics ---

var searchMetricsCmd = &cobra.Command{
	Use:   "search-metrics",
	Short: "Print the daily search metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")

		ctx := background(cmd)
		d, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		m, err := d.orchestrator.SearchMetrics(ctx, date)
		if err != nil {
			return err
		}
		return printJSON(cmd, m)
	},
}

func init() {
	searchMetricsCmd.Flags().String("date", "", "day as YYYYMMDD (default today)")
	rootCmd.AddCommand(searchMetricsCmd)
}

// --- clear-cache ---

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Clear cached context and, optionally, cached search results",
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")
		search, _ := cmd.Flags().GetBool("search")

		ctx := background(cmd)
		d, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.orchestrator.ClearContextCache(ctx, partition); err != nil {
			return err
		}
		if search {
			if err := d.orchestrator.ClearSearchCache(ctx); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
		return nil
	},
}

func init() {
	clearCacheCmd.Flags().String("partition", "", "partition to clear (default all)")
	clearCacheCmd.Flags().Bool("search", false, "also clear cached search results")
	rootCmd.AddCommand(clearCacheCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
