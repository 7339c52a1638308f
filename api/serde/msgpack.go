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
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var _ BinarySerde = (*MsgpackSerde)(nil)

// MsgpackSerde is the default history serde. The store runs it twice per
// event: once for the event payload and once for the envelope that wraps the
// payload with its timestamp. Task bodies and query replies on NATS use it
// too.
//
// Fields are keyed by their json tags, so a log written by one serde names
// its fields the same way as one written by the other. Payloads decoded into
// interfaces keep integers as int64/uint64; TypeConverter narrows them to
// the workflow's argument types.
type MsgpackSerde struct{}

func (m *MsgpackSerde) SerializeBinary(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("msgpack encode %T: %w", value, err)
	}
	return buf.Bytes(), nil
}

// DeserializeBinary decodes an envelope or payload into valuePtr.
func (m *MsgpackSerde) DeserializeBinary(data []byte, valuePtr any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(valuePtr); err != nil {
		return fmt.Errorf("msgpack decode into %T: %w", valuePtr, err)
	}
	return nil
}
