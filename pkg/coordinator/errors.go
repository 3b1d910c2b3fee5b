// Copyright 2025 Deckhand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import "fmt"

// AlreadyRunningError is returned when a card already holds a run lock.
type AlreadyRunningError struct {
	CardKey string
	RunID   string
}

func (e AlreadyRunningError) Error() string {
	return fmt.Sprintf("card %s already has in-flight run %s", e.CardKey, e.RunID)
}

// DeferredError is the backpressure signal: run slots and queue are full.
type DeferredError struct {
	Depth int
	Limit int
}

func (e DeferredError) Error() string {
	return fmt.Sprintf("deferred: queue depth %d at limit %d", e.Depth, e.Limit)
}

// NotAcceptingError is returned when the coordinator is not in a state that
// accepts new work.
type NotAcceptingError struct {
	State string
}

func (e NotAcceptingError) Error() string {
	return fmt.Sprintf("coordinator is %s, not accepting new work", e.State)
}
