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

package serde

import (
	"encoding/json"
	"fmt"
)

var _ BinarySerde = (*JsonSerde)(nil)

// JsonSerde encodes payloads as JSON. Numbers inside untyped payloads come
// back as float64; TypeConverter narrows them again.
type JsonSerde struct{}

func (*JsonSerde) SerializeBinary(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json encode %T: %w", value, err)
	}
	return b, nil
}

func (*JsonSerde) DeserializeBinary(data []byte, valuePtr any) error {
	if err := json.Unmarshal(data, valuePtr); err != nil {
		return fmt.Errorf("json decode into %T: %w", valuePtr, err)
	}
	return nil
}
