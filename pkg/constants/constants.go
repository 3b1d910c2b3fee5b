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

package constants

import "time"

const (
	// DefaultAppVersion is the version used for local development builds.
	DefaultAppVersion = "0.0.0-dev"

	// DefaultDataDir is the root for runtime state, run directories and history.
	DefaultDataDir = "/data/deckhand"

	// DefaultConfigPath is the location of the supervisor config file.
	DefaultConfigPath = "/data/deckhand/config.yaml"

	// DefaultCardsDir is the directory the backlog source scans for cards.
	DefaultCardsDir = "/data/deckhand/cards"

	// DefaultMetricsPort serves the Prometheus endpoint.
	DefaultMetricsPort = 8080

	// StateFileName is the durable supervisor state snapshot inside the data dir.
	StateFileName = "supervisor-state.json"

	// HistoryFileName is the bounded run-history file inside the data dir.
	HistoryFileName = "run-history.json"

	// RunsDirName holds one scoped directory per run inside the data dir.
	RunsDirName = "runs"

	// LogsDirName holds one preserved log directory per run inside the data dir.
	LogsDirName = "logs"

	// PayloadFileName is the serialized run request handed to a worker.
	PayloadFileName = "payload.json"

	// WorkerLogFileName is the structured event log a worker appends to.
	WorkerLogFileName = "events.ndjson"
)

const (
	// DefaultMaxConcurrentRuns bounds globally parallel worker processes.
	DefaultMaxConcurrentRuns = 2

	// DefaultStaleRunTimeout is the age after which a persisted active run
	// with no live process is treated as orphaned by a prior crash.
	DefaultStaleRunTimeout = 10 * time.Minute

	// DefaultRescanInterval is the coordinator maintenance tick.
	DefaultRescanInterval = 30 * time.Second

	// DefaultWorkerGracePeriod is how long a canceled worker gets between
	// SIGTERM and SIGKILL.
	DefaultWorkerGracePeriod = 5 * time.Second

	// DefaultBacklogDebounce is the settle window applied to filesystem churn
	// before backlog events are emitted.
	DefaultBacklogDebounce = 150 * time.Millisecond

	// DefaultHistoryLimit caps the run-history file, most recent first.
	DefaultHistoryLimit = 200

	// DefaultLogWaitTimeout bounds the wait for a worker log file to appear.
	DefaultLogWaitTimeout = 10 * time.Second

	// DefaultLogPollInterval is the tail poll interval for worker logs.
	DefaultLogPollInterval = 100 * time.Millisecond
)

const (
	// DefaultBackoffBase is the first retry delay after one failure.
	DefaultBackoffBase = 2 * time.Second

	// DefaultBackoffMultiplier grows the delay per additional failure.
	DefaultBackoffMultiplier = 2.0

	// DefaultBackoffJitterFraction is the +/- fraction of jitter applied.
	DefaultBackoffJitterFraction = 0.2

	// DefaultBackoffMax clamps any computed delay.
	DefaultBackoffMax = 5 * time.Minute

	// DefaultMaxRetries is the failure count at which a pipeline aborts.
	DefaultMaxRetries = 3
)
