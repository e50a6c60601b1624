/*
Copyright 2026 The Spreadguard Authors.

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

package executor

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// The executor sorts every failure into one of four classes, and the
// reconciler dispatches on the class alone:
//
//   - TransientError: infrastructure hiccup, retry the key with backoff
//   - ConflictError: cluster state moved under us, re-evaluate immediately
//   - PolicyError: the policy asks for something the cluster rejects,
//     surface it on the status and wait for a spec change
//   - FatalError: the process cannot continue, exit and let the
//     orchestrator restart us

// TransientError wraps failures worth retrying with backoff: timeouts,
// temporary API-server unavailability, PDB-blocked evictions.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ConflictError wraps optimistic-concurrency failures: the pod or node an
// action targeted changed since the placement snapshot was taken. The whole
// action pass is aborted and the key re-evaluated against fresh state, with
// no backoff penalty.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// PolicyError wraps rejections that no retry will fix, e.g. RBAC forbids the
// eviction the policy requires. Recorded on the policy status instead of
// being retried.
type PolicyError struct {
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy error: %s: %v", e.Reason, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// FatalError wraps conditions under which the process must exit, such as
// credentials turning invalid at runtime.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsConflict reports whether the error demands an immediate re-evaluation.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsPolicyError reports whether the error belongs on the policy status.
func IsPolicyError(err error) bool {
	var p *PolicyError
	return errors.As(err, &p)
}

// IsFatal reports whether the process must exit.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// classify maps an API error onto the taxonomy. Unknown errors default to
// transient: retrying something unfixable costs a few requests, while not
// retrying something fixable stalls the policy.
func classify(err error, action string) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsConflict(err):
		return &ConflictError{Err: err}
	case apierrors.IsForbidden(err):
		return &PolicyError{Reason: fmt.Sprintf("%s forbidden by cluster policy", action), Err: err}
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		return &PolicyError{Reason: fmt.Sprintf("%s rejected as invalid", action), Err: err}
	case apierrors.IsUnauthorized(err):
		return &FatalError{Err: fmt.Errorf("credentials rejected during %s: %w", action, err)}
	default:
		return &TransientError{Err: err}
	}
}
