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

// Package logstream turns a worker's newline-delimited structured log file
// into typed lifecycle events, either tailed live or replayed in one pass.
package logstream

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/deckhand-io/deckhand/pkg/models"
)

// EventKind discriminates the typed events parsed from a worker log.
type EventKind string

const (
	// KindReady means the worker finished its setup phase.
	KindReady EventKind = "ready"
	// KindProgress carries a percentage and an optional message.
	KindProgress EventKind = "progress"
	// KindFinished carries the terminal run result.
	KindFinished EventKind = "finished"
	// KindMessage is a plain log line, including unparseable records.
	KindMessage EventKind = "message"
)

// Event is one typed record from the worker log.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Percent   float64
	Message   string
	Result    *models.WorkerRunResult
}

// record is the wire shape of one log line: a flat key/value map.
type record struct {
	Timestamp    string  `json:"timestamp"`
	Event        string  `json:"event"`
	Percent      float64 `json:"percent"`
	Message      string  `json:"message"`
	Status       string  `json:"status"`
	ExitCode     int     `json:"exitCode"`
	DurationMs   int64   `json:"durationMs"`
	BytesRead    int64   `json:"bytesRead"`
	BytesWritten int64   `json:"bytesWritten"`
	Summary      string  `json:"summary"`
}

// parseLine parses one log line. Unparseable lines become plain messages,
// never errors.
func parseLine(line string) Event {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Event{Kind: KindMessage}
	}

	var rec record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{Kind: KindMessage, Message: line}
	}

	ts, _ := time.Parse(time.RFC3339Nano, rec.Timestamp)

	switch rec.Event {
	case "workerReady":
		return Event{Kind: KindReady, Timestamp: ts}
	case "progress":
		return Event{Kind: KindProgress, Timestamp: ts, Percent: rec.Percent, Message: rec.Message}
	case "workerFinished":
		return Event{
			Kind:      KindFinished,
			Timestamp: ts,
			Result: &models.WorkerRunResult{
				Status:       models.RunStatus(rec.Status),
				ExitCode:     rec.ExitCode,
				DurationMs:   rec.DurationMs,
				BytesRead:    rec.BytesRead,
				BytesWritten: rec.BytesWritten,
				Summary:      rec.Summary,
			},
		}
	case "log":
		return Event{Kind: KindMessage, Timestamp: ts, Message: rec.Message}
	default:
		return Event{Kind: KindMessage, Timestamp: ts, Message: line}
	}
}

// parseChunk splits a chunk into events plus the trailing partial line.
func parseChunk(pending string, chunk []byte) ([]Event, string) {
	data := pending + string(chunk)

	var events []Event

	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}

		line := data[:idx]
		data = data[idx+1:]

		if strings.TrimSpace(line) == "" {
			continue
		}

		events = append(events, parseLine(line))
	}

	return events, data
}
