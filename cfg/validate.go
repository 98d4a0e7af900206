// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
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

package cfg

import (
	"fmt"
)

var validSeverities = map[string]bool{
	"TRACE": true, "DEBUG": true, "INFO": true,
	"WARNING": true, "ERROR": true, "OFF": true,
}

var validFormats = map[string]bool{"json": true, "text": true}

// Validate rejects configurations the mount cannot honor.
func Validate(c *Config) error {
	if !validSeverities[c.Logging.Severity] {
		return fmt.Errorf("cfg: invalid log severity %q", c.Logging.Severity)
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("cfg: invalid log format %q", c.Logging.Format)
	}
	if c.Quota < 0 {
		return fmt.Errorf("cfg: quota must be non-negative, got %d", c.Quota)
	}
	if c.Logging.MaxSizeMB < 0 {
		return fmt.Errorf("cfg: log file size limit must be non-negative, got %d", c.Logging.MaxSizeMB)
	}
	return nil
}
