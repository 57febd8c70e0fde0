package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertStatement(t *testing.T) {
	stmt, err := insertStatement("docs", []byte(`{"id": 1, "body": "it's", "embedding": [0.5, 1]}`))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "docs" ("body", "embedding", "id") VALUES ('it''s', [0.5, 1], 1)`, stmt)

	stmt, err = insertStatement("docs", []byte(`[{"id": 1}, {"id": 2, "body": null, "meta": {"a": 1}}]`))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "docs" ("body", "id", "meta") VALUES (NULL, 1, NULL), (NULL, 2, '{"a":1}')`, stmt)

	_, err = insertStatement("docs", []byte(`[]`))
	assert.Error(t, err)

	_, err = insertStatement("docs", []byte(`{`))
	assert.Error(t, err)
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{true, "TRUE"},
		{float64(3), "3"},
		{1.25, "1.25"},
		{"a", "'a'"},
		{[]any{"x", "y"}, `'["x","y"]'`},
	}
	for _, tt := range tests {
		got, err := literal(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"order"`, quoteIdent("order"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}
