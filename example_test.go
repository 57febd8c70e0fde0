package vectra_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/vectra"
)

func Example() {
	dir, err := os.MkdirTemp("", "vectra-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := vectra.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	for _, q := range []string{
		"CREATE TABLE docs (id INT PRIMARY KEY, body TEXT, embedding VECTOR(2))",
		"CREATE INDEX ON docs (embedding) USING HNSW WITH (metric = 'cosine')",
		"INSERT INTO docs VALUES (1, 'north', [0, 1]), (2, 'east', [1, 0]), (3, 'north-east', [1, 1])",
	} {
		if _, err := db.Query(ctx, q); err != nil {
			log.Fatal(err)
		}
	}

	res, err := db.Query(ctx, "SELECT body FROM docs ORDER BY embedding <-> [1, 0.1] LIMIT 2")
	if err != nil {
		log.Fatal(err)
	}
	for _, row := range res.Rows {
		fmt.Println(row[0])
	}
	// Output:
	// east
	// north-east
}

func ExampleDB_Search() {
	dir, _ := os.MkdirTemp("", "vectra-example")
	defer os.RemoveAll(dir)

	db, _ := vectra.Open(dir)
	defer db.Close()

	ctx := context.Background()
	_, _ = db.Query(ctx, "CREATE TABLE points (id INT PRIMARY KEY, v VECTOR(2))")
	_, _ = db.Query(ctx, "CREATE INDEX ON points (v) WITH (metric = 'l2')")
	_, _ = db.Query(ctx, "INSERT INTO points VALUES (1, [0, 0]), (2, [3, 4])")

	res, err := db.Search(ctx, "points", "v", []float32{3, 3}, 1)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Hits[0].Row[0])
	// Output: 2
}
