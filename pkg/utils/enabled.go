// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package utils

import (
	"fmt"
	"strings"
)

// ParseEnabled parses a boolean-ish state string ("on"/"off", "true"/"false", "yes"/"no", "1"/"0").
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "no", "0", "disable", "disabled", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid enabled/disabled state %q", value)
	}
}
