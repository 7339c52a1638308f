// Copyright 2025 Nguyen Nhat Nguyen
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

package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// InstanceID addresses a process instance across all of its runs.
type InstanceID string

func (i InstanceID) String() string { return string(i) }

// RunID identifies one run of an instance. A new one is minted on every
// start and on every continue-as-new.
type RunID string

func (r RunID) String() string { return string(r) }

var ErrInvalidID = errors.New("invalid instance id")

// Instance ids end up in log ids, NATS subjects and KV keys, so they are kept
// to a conservative alphabet.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,199}$`)

func ValidateInstanceID(id InstanceID) error {
	if !idPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// NewRunID returns a fresh time-ordered run id.
func NewRunID() RunID {
	return RunID(uuid.Must(uuid.NewV7()).String())
}

// RunLogID is the history log of a single run.
func RunLogID(id InstanceID, run RunID) string {
	return fmt.Sprintf("run/%s/%s", id, run)
}

// InstanceLogID is the log holding the run chain of an instance.
func InstanceLogID(id InstanceID) string {
	return fmt.Sprintf("instance/%s", id)
}

// ChildInstanceID is the default id given to a child spawned at seq.
func ChildInstanceID(parent InstanceID, seq int64) InstanceID {
	return InstanceID(fmt.Sprintf("%s-child-%d", parent, seq))
}

// ParseRunLogID splits a log id made by RunLogID.
func ParseRunLogID(logID string) (InstanceID, RunID, bool) {
	rest, ok := strings.CutPrefix(logID, "run/")
	if !ok {
		return "", "", false
	}
	id, run, ok := strings.Cut(rest, "/")
	if !ok || id == "" || run == "" {
		return "", "", false
	}
	return InstanceID(id), RunID(run), true
}
