// Package exec runs logical plans with pull-based operators.
//
// Operators check the query deadline on every Next call; a query that runs
// out of time fails with a Timeout error and yields no partial result.
package exec
