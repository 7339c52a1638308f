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

import "time"

const DefaultTaskQueue = "default"

const (
	DefaultRetentionPeriod = 72 * time.Hour
	DefaultCancelGrace     = 30 * time.Second
)

// JetStream layout.
const (
	HistoryStreamPrefix  = "PROCESS_HISTORY"
	HistorySubjectPrefix = "history"

	TaskStream        = "PROCESS_TASKS"
	TaskSubjectPrefix = "tasks"

	TaskLeaseBucket = "task-leases"
)

const (
	// tasks.<queue>.<kind>
	TaskSubjectPattern       = TaskSubjectPrefix + ".%s.%s"
	TaskFilterSubjectPattern = TaskSubjectPrefix + ".>"

	CommandRequestSubjectPattern = "command.request.>"
	CommandRequestSubjectPrefix  = "command.request."

	// query.<workflow type>
	QuerySubjectPattern = "query.%s"
)

const (
	ManagerCommandProcessorsQueue = "manager-command-processors"
	WorkerQueryProcessorsQueue    = "worker-query-processors"

	// worker-<queue>-<kind>
	TaskConsumerPattern = "worker-%s-%s"
)

// Message headers used on the task stream.
const (
	NotBeforeHeader = "Df-Not-Before"
	TaskKindHeader  = "Df-Task-Kind"
)
