// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import "errors"

// Sentinel errors returned by store operations. Callers at the HTTP
// boundary map these to the error taxonomy in the dispatch package
// (BadRequest, NotOwner, InvalidTransition, NotFound, Transient, Fatal).
var (
	// ErrNotFound indicates no row matched the query.
	ErrNotFound = errors.New("not found")
	// ErrNotOwner indicates a claim_token did not match the job's stored token.
	ErrNotOwner = errors.New("not owner")
	// ErrInvalidTransition indicates a state-machine transition is not allowed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict indicates a compare-and-swap lost a race or a uniqueness
	// check failed (e.g. a schedule was already advanced, or a webhook
	// delivery_id was already recorded).
	ErrConflict = errors.New("conflict")
	// ErrNotQueued indicates cancel_job was called on a job that isn't queued.
	ErrNotQueued = errors.New("not queued")
)
