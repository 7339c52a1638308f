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

// Package client starts durable workflow instances and talks to them.
//
// A client shares a backend with the workers that run the instances:
//
//	b, err := backend.NewSQLite(ctx, "file:durableflow.db", backend.Options{})
//	if err != nil {
//		return err
//	}
//	c, err := client.NewClient(&client.Options{Backend: b, Logger: logger})
//
// ExecuteWorkflow writes the first history event and returns an Execution.
// Execution.Get blocks until the instance closes:
//
//	run, err := c.ExecuteWorkflow(ctx, client.StartOptions{ID: "order-42"}, "OrderPipeline", order)
//	if err != nil {
//		return err
//	}
//	var receipt Receipt
//	if err := run.Get(ctx, &receipt); err != nil {
//		var failed *client.WorkflowExecutionError
//		if errors.As(err, &failed) {
//			logger.Warn("order closed", "status", failed.Status, "failure", failed.Failure)
//		}
//	}
//
// SignalWorkflow appends to the current run. QueryWorkflow answers from a
// read-only replay on a worker that registers the type. CancelWorkflow
// records a cancel request the workflow sees on its next blocking call and
// terminates the run if it is still open once the grace period ends.
// TerminateWorkflow closes the run without running workflow code.
package client
