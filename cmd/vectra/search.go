package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vectra/internal/server"
	"github.com/hupe1980/vectra/internal/sql"
)

func searchCmd() *cobra.Command {
	var (
		column string
		vector string
		text   string
		k      int
	)
	cmd := &cobra.Command{
		Use:   "search TABLE",
		Short: "Find the nearest rows to a vector or text",
		Example: `  vectra search docs --column embedding --vector '[0.1, 0.2, 0.3]' -k 5
  vectra search docs --column embedding --text "vector databases"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (vector == "") == (text == "") {
				return errors.New("exactly one of --vector or --text is required")
			}
			if text != "" {
				query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s <-> ai_embedding(%s) LIMIT %d",
					quoteIdent(args[0]), quoteIdent(column), sql.FormatValue(text), k)
				return runQuery(cmd, query)
			}

			var vec []float32
			if err := json.Unmarshal([]byte(vector), &vec); err != nil {
				return fmt.Errorf("invalid --vector: %w", err)
			}
			res, err := newClient().Search(cmd.Context(), server.SearchRequest{
				Table:  args[0],
				Column: column,
				Vector: vec,
				K:      k,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			return printHits(cmd, res.Hits)
		},
	}
	cmd.Flags().StringVar(&column, "column", "embedding", "vector column to search")
	cmd.Flags().StringVar(&vector, "vector", "", "query vector as a JSON array")
	cmd.Flags().StringVar(&text, "text", "", "query text embedded with ai_embedding")
	cmd.Flags().IntVarP(&k, "limit", "k", 10, "number of results")
	return cmd
}

// printHits renders hits with row_id and score first, then the row columns
// in name order.
func printHits(cmd *cobra.Command, hits []server.SearchHit) error {
	seen := make(map[string]bool)
	var names []string
	for _, h := range hits {
		for name := range h.Row {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	columns := append([]string{"row_id", "score"}, names...)
	rows := make([][]any, len(hits))
	for i, h := range hits {
		row := []any{h.RowID, h.Score}
		for _, name := range names {
			row = append(row, h.Row[name])
		}
		rows[i] = row
	}
	if err := printTable(cmd.OutOrStdout(), columns, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "(%d hit(s))\n", len(hits))
	return err
}

