// Package queryir is the statement intermediate representation every data
// store call goes through.
//
// The pipeline never builds SQL text. Stages construct typed statements
// (Select, Insert, Update, Delete) whose values are referenced by parameter
// name. Drivers either compile them to SQL with :name placeholders
// (querysql) or evaluate them directly (memstore).
//
// Statement and Predicate are sealed interfaces using the marker method
// pattern, so drivers can switch over them exhaustively:
//
//	switch s := stmt.(type) {
//	case Select:
//	case Insert:
//	case Update:
//	case Delete:
//	case Raw:
//	}
//
// Parameter naming is part of the contract. Multi-row inserts bind row i of
// column c as InsertParam(i, c); updates bind new column values as
// SetParam(c). Filters name their parameters explicitly.
package queryir
