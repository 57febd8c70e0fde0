// Package vectra is an embedded analytical SQL engine with native vector
// search.
//
// Tables hold typed rows including fixed-dimension VECTOR(n) columns. A
// vector column can carry an HNSW index, and queries of the form
//
//	SELECT id, body FROM docs
//	ORDER BY embedding <-> ai_embedding('vector databases')
//	LIMIT 5
//
// are answered by probing the index instead of scanning. Every mutation is
// written to a write-ahead log before it is acknowledged and published as a
// change event on the table's topic ("table.<name>.changes").
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := vectra.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_, err = db.Query(ctx, "CREATE TABLE docs (id INT PRIMARY KEY, body TEXT, embedding VECTOR(3))")
//	_, err = db.Query(ctx, "CREATE INDEX ON docs (embedding) USING HNSW WITH (metric = 'cosine')")
//	_, err = db.Query(ctx, "INSERT INTO docs VALUES (1, 'hello', [0.1, 0.2, 0.3])")
//
//	res, err := db.Search(ctx, "docs", "embedding", []float32{0.1, 0.2, 0.3}, 10)
//
// # Change Events
//
//	sub, err := db.Subscribe(vectra.TableTopic("docs"))
//	for {
//	    msg, err := sub.Next(ctx)
//	    if err != nil {
//	        break
//	    }
//	    fmt.Println(string(msg.Payload))
//	}
//
// # Errors
//
// Every error carries a Kind (ParseError, TypeError, NotFound, DuplicateId,
// DimensionMismatch, IndexAbsent, EmbeddingUnavailable, Timeout,
// BackpressureDrop or Internal). Use KindOf or errors.Is with the sentinel
// errors:
//
//	if errors.Is(err, vectra.ErrDimensionMismatch) { ... }
//
// # Server
//
// The cmd/vectra binary serves the same engine over HTTP/JSON with SQL,
// vector search and streaming (SSE and WebSocket) endpoints.
package vectra
