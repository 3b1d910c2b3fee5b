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

package sentry

import (
	"fmt"

	sentrygo "github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

func levelFor(issueType IssueType) sentrygo.Level {
	switch issueType {
	case IssueTypeFatal:
		return sentrygo.LevelFatal
	case IssueTypeError:
		return sentrygo.LevelError
	default:
		return sentrygo.LevelWarning
	}
}

// ReportIssue logs the error and forwards it to Sentry when enabled.
// It never exits the process; callers decide what a fatal issue means.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	if log == nil {
		// If logger initialization failed somehow, create a no-op logger to avoid nil panics
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal, IssueTypeError:
		log.Errorf("%s", err)
	default:
		log.Warnf("%s", err)
	}

	if !enabled {
		return
	}

	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		scope.SetLevel(levelFor(issueType))
		sentrygo.CaptureException(err)
	})
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	log.Errorw(err.Error(), "context", context)

	if !enabled {
		return
	}

	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		scope.SetLevel(levelFor(issueType))
		scope.SetContext("deckhand", context)
		sentrygo.CaptureException(err)
	})
}
