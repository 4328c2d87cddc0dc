// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore

import (
	"context"

	"github.com/samber/oops"
)

type activeStoreKey struct{}

// Enter returns a context in which s is the active store. A context chain
// may carry at most one active store; entering a second one is a programming
// error reported as CONTEXT_ALREADY_ACTIVE. Independent context chains (for
// example separate goroutines started from a background context) each hold
// their own store. Discarding the returned context exits the scope.
func (s *Store) Enter(ctx context.Context) (context.Context, error) {
	if cur, ok := Active(ctx); ok {
		return ctx, oops.Code(CodeContextAlreadyActive).
			With("active_roots", cur.Roots()).
			Errorf("a package store is already active in this context")
	}
	return context.WithValue(ctx, activeStoreKey{}, s), nil
}

// Active returns the store entered on ctx, if any.
func Active(ctx context.Context) (*Store, bool) {
	s, ok := ctx.Value(activeStoreKey{}).(*Store)
	return s, ok && s != nil
}
