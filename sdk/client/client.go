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

package client

import "github.com/ngnhng/durableflow/sdk/internal"

// Client starts instances and signals, queries, cancels and describes them.
//
//	c, err := client.NewClient(&client.Options{Backend: b})
//	if err != nil {
//		return err
//	}
//	run, err := c.ExecuteWorkflow(ctx, client.StartOptions{ID: "order-42"}, "OrderPipeline", order)
//	if err != nil {
//		return err
//	}
//	var receipt Receipt
//	err = run.Get(ctx, &receipt)
//
// Get returns a *WorkflowExecutionError when the instance closes with any
// status other than Completed.
type Client = internal.Client

type Options = internal.ClientOptions

// StartOptions pick the instance id, the task queue and an optional
// execution timeout. An empty ID gets a generated one.
type StartOptions = internal.StartOptions

// Execution is a handle on a started instance. Get follows continue-as-new
// chains to the last run.
type Execution = internal.Execution

// NewClient fails when options is nil or has no Backend.
func NewClient(options *Options) (Client, error) {
	return internal.NewClient(options)
}
