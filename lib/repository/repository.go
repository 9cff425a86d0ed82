/*
Copyright 2024 Gatewarden Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package repository stores and retrieves user permission records.
//
// Gets and puts are deliberately asymmetrical: every read of a
// non-anonymous user merges in the current unrestricted record, so what
// comes out is a superset of what went in.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gatewarden/gatewarden/api/types"
)

// Repository is the permission store contract, independent of backend.
type Repository interface {
	// Put idempotently upserts one record.
	Put(ctx context.Context, u *types.UserPermission) error
	// PutAll bulk-upserts records and prunes orphans: stored users absent
	// from the input are removed, except the unrestricted user.
	PutAll(ctx context.Context, users map[string]*types.UserPermission) error
	// Get returns the record merged with the current unrestricted record,
	// or NotFound. The unrestricted id returns its record directly.
	Get(ctx context.Context, id string) (*types.UserPermission, error)
	// GetAllByID returns every stored user, each merged with the
	// unrestricted record.
	GetAllByID(ctx context.Context) (map[string]*types.UserPermission, error)
	// GetAllByRoles returns users whose role permissions intersect
	// anyRoles, plus the unrestricted record. nil means every user; an
	// empty list means only the unrestricted record.
	GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*types.UserPermission, error)
	// Remove deletes the user and their permissions. Shared resources
	// survive.
	Remove(ctx context.Context, id string) error
}

// RepositoryError reports a backend I/O failure after retries.
type RepositoryError struct {
	// Op names the failing operation.
	Op string
	// Err is the cause.
	Err error
}

// Error implements error.
func (e *RepositoryError) Error() string {
	return fmt.Sprintf("permission repository %v: %v", e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *RepositoryError) Unwrap() error { return e.Err }

// NewRepositoryError wraps err for the named operation.
func NewRepositoryError(op string, err error) error {
	return &RepositoryError{Op: op, Err: err}
}

// IsRepositoryError reports whether err is a RepositoryError.
func IsRepositoryError(err error) bool {
	var re *RepositoryError
	return errors.As(err, &re)
}

// ReadTimeoutError reports that a read exceeded its TimeoutContext.
type ReadTimeoutError struct {
	// Op names the timed-out operation.
	Op string
	// Timeout is the configured bound.
	Timeout time.Duration
}

// Error implements error.
func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("read %v timed out after %v", e.Op, e.Timeout)
}

// IsReadTimeout reports whether err is a ReadTimeoutError.
func IsReadTimeout(err error) bool {
	var te *ReadTimeoutError
	return errors.As(err, &te)
}

// TimeoutContext bounds the processing of one read. Read helpers check
// it at their entry points and bail out with a typed timeout error once
// the deadline passed.
type TimeoutContext struct {
	op      string
	clock   clockwork.Clock
	timeout time.Duration
	expiry  time.Time
}

// NewTimeoutContext starts a deadline for the named operation.
func NewTimeoutContext(op string, clock clockwork.Clock, timeout time.Duration) *TimeoutContext {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimeoutContext{
		op:      op,
		clock:   clock,
		timeout: timeout,
		expiry:  clock.Now().Add(timeout),
	}
}

// Check returns a ReadTimeoutError once the deadline passed.
func (t *TimeoutContext) Check() error {
	if t.clock.Now().After(t.expiry) {
		return &ReadTimeoutError{Op: t.op, Timeout: t.timeout}
	}
	return nil
}

// ValidateID rejects empty user ids.
func ValidateID(id string) error {
	if id == "" {
		return trace.BadParameter("missing user id")
	}
	return nil
}
