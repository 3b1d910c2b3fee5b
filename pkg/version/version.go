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

package version

import "github.com/deckhand-io/deckhand/pkg/constants"

// AppVersion is overridden at build time via
// -ldflags "-X github.com/deckhand-io/deckhand/pkg/version.AppVersion=..."
var AppVersion = constants.DefaultAppVersion

// GetAppVersion returns the version baked into the binary.
func GetAppVersion() string {
	return AppVersion
}
