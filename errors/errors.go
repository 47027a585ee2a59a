// Package errors provides error handling for quarry.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, and user-facing details through a single import:
//
//	if err := q.Enqueue(ctx, item); err != nil {
//	    return errors.Wrap(err, "failed to enqueue work item")
//	}
//
// For the full API see https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
	Cause  = crdb.Cause
)

// Multi-error support
var (
	Join               = crdb.Join
	CombineErrors      = crdb.CombineErrors
	WithSecondaryError = crdb.WithSecondaryError
)
