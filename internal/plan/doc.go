// Package plan turns parsed SELECT statements into logical operator trees.
//
// The planner recognizes the vector top-K shape
//
//	SELECT ... FROM t [WHERE pred] ORDER BY vcol <-> q LIMIT k
//
// where vcol carries an HNSW index and q is a constant vector literal or an
// ai_embedding call. That shape becomes a VectorProbe that over-fetches k'
// candidates and applies pred while probing. Every other query is planned as a
// table scan with filter, sort and limit.
package plan
