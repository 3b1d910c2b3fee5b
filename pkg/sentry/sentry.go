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

// Package sentry wraps the Sentry SDK behind a small reporting surface so
// operator-visible failures (persistence errors, wiring failures) reach both
// the log and the issue tracker.
package sentry

import (
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/constants"
)

var enabled bool

// InitSentry initializes the Sentry client. Local development builds
// (the default version string) never report.
func InitSentry(appVersion string, dsn string) {
	if appVersion == "" || appVersion == constants.DefaultAppVersion || dsn == "" {
		zap.S().Debug("Sentry disabled for local development build")

		return
	}

	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:           dsn,
		Release:       "deckhand@" + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)

		return
	}

	enabled = true
}

// Flush waits for buffered events to be sent, bounded by the given timeout.
func Flush(timeout time.Duration) {
	if enabled {
		sentrygo.Flush(timeout)
	}
}
