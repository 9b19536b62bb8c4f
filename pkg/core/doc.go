// Package core defines the shared language of the leapcube compiler.
//
// This package contains:
//   - The query request (Query, Filter, TimeDimension, Order)
//   - The error taxonomy surfaced to callers (UserError, ModelCompileError)
//   - The SQL statement tree consumed by the emitter (SelectStmt, TableRef)
//
// The Golden Rule: pkg/core imports ONLY stdlib and small leaf libraries.
// All other packages depend on core, not the reverse.
package core
