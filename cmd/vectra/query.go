package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/server"
	"github.com/hupe1980/vectra/internal/sql"
)

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query SQL",
		Short: "Execute a SQL statement",
		Example: `  vectra query "SELECT id FROM docs ORDER BY embedding <-> ai_embedding('hello') LIMIT 5"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args[0])
		},
	}
}

func runQuery(cmd *cobra.Command, query string) error {
	res, err := newClient().Query(cmd.Context(), query)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

func printResult(w io.Writer, res *server.QueryResponse) error {
	if jsonOutput {
		return printJSON(w, res)
	}
	if len(res.Columns) == 0 {
		_, err := fmt.Fprintf(w, "OK, %d row(s) affected (%.2f ms)\n", res.RowsAffected, res.ElapsedMS)
		return err
	}
	if err := printTable(w, res.Columns, res.Rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d row(s), %.2f ms)\n", res.RowCount, res.ElapsedMS)
	return err
}

func createTableCmd() *cobra.Command {
	var ifNotExists bool
	cmd := &cobra.Command{
		Use:     "create-table TABLE SCHEMA",
		Short:   "Create a table",
		Example: `  vectra create-table docs "id INT PRIMARY KEY, body TEXT, embedding VECTOR(384)"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt := "CREATE TABLE "
			if ifNotExists {
				stmt += "IF NOT EXISTS "
			}
			schema := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(args[1]), "("), ")")
			return runQuery(cmd, fmt.Sprintf("%s%s (%s)", stmt, quoteIdent(args[0]), schema))
		},
	}
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "succeed if the table exists")
	return cmd
}

func createIndexCmd() *cobra.Command {
	var (
		name           string
		metric         string
		m              int
		efConstruction int
		ef             int
	)
	cmd := &cobra.Command{
		Use:     "create-index TABLE COLUMN",
		Short:   "Create an HNSW index on a vector column",
		Example: `  vectra create-index docs embedding --metric cosine --m 16`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []string
			if metric != "" {
				opts = append(opts, "metric = "+sql.FormatValue(metric))
			}
			if m > 0 {
				opts = append(opts, fmt.Sprintf("m = %d", m))
			}
			if efConstruction > 0 {
				opts = append(opts, fmt.Sprintf("ef_construction = %d", efConstruction))
			}
			if ef > 0 {
				opts = append(opts, fmt.Sprintf("ef = %d", ef))
			}
			stmt := "CREATE INDEX "
			if name != "" {
				stmt += quoteIdent(name) + " "
			}
			stmt += fmt.Sprintf("ON %s (%s) USING HNSW", quoteIdent(args[0]), quoteIdent(args[1]))
			if len(opts) > 0 {
				stmt += " WITH (" + strings.Join(opts, ", ") + ")"
			}
			return runQuery(cmd, stmt)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "index name")
	cmd.Flags().StringVar(&metric, "metric", "", "distance metric: cosine, l2 or dot")
	cmd.Flags().IntVar(&m, "m", 0, "max neighbours per node")
	cmd.Flags().IntVar(&efConstruction, "ef-construction", 0, "candidate list size while building")
	cmd.Flags().IntVar(&ef, "ef", 0, "candidate list size while searching")
	return cmd
}

func insertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert TABLE JSON",
		Short: "Insert rows given as a JSON object or array of objects",
		Example: `  vectra insert docs '{"id": 1, "body": "hello", "embedding": [0.1, 0.2, 0.3]}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt, err := insertStatement(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			return runQuery(cmd, stmt)
		},
	}
}

// insertStatement builds one INSERT from JSON rows. Columns are the union
// of keys; keys missing from a row insert NULL.
func insertStatement(table string, data []byte) (string, error) {
	var rows []map[string]any
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &rows); err != nil {
			return "", fmt.Errorf("invalid JSON rows: %w", err)
		}
	} else {
		var row map[string]any
		if err := json.Unmarshal(data, &row); err != nil {
			return "", fmt.Errorf("invalid JSON row: %w", err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows to insert")
	}

	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	values := make([]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(columns))
		for j, c := range columns {
			lit, err := literal(row[c])
			if err != nil {
				return "", fmt.Errorf("row %d column %q: %w", i+1, c, err)
			}
			cells[j] = lit
		}
		values[i] = "(" + strings.Join(cells, ", ") + ")"
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", quoteIdent(table), strings.Join(quoted, ", "), strings.Join(values, ", ")), nil
}

// literal renders a decoded JSON value as a SQL literal. Numeric arrays
// become vectors; other arrays and objects become JSON text.
func literal(v any) (string, error) {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return sql.FormatValue(int64(x)), nil
		}
		return sql.FormatValue(x), nil
	case []any:
		if vec, ok := catalog.ToVector(x); ok {
			return sql.FormatValue(vec), nil
		}
	case map[string]any:
	default:
		return sql.FormatValue(x), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return sql.FormatValue(string(data)), nil
}

// quoteIdent quotes a name so reserved words survive as identifiers.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "tables",
		Aliases: []string{"list-tables"},
		Short:   "List tables",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd, "SHOW TABLES")
		},
	}
}

func tableInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table-info TABLE",
		Short: "Describe the columns and indexes of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, "DESCRIBE "+quoteIdent(args[0]))
		},
	}
}
