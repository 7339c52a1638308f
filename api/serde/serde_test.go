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

package serde_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
)

type quote struct {
	Symbol string   `json:"symbol"`
	Bid    float64  `json:"bid"`
	Size   int      `json:"size"`
	Venues []string `json:"venues"`
	Meta   *meta    `json:"meta,omitempty"`
}

type meta struct {
	Source string `json:"source"`
	Cached bool   `json:"cached"`
}

func serdes() map[string]serde.BinarySerde {
	return map[string]serde.BinarySerde{
		"json":    &serde.JsonSerde{},
		"msgpack": &serde.MsgpackSerde{},
	}
}

func TestByName(t *testing.T) {
	s, err := serde.ByName("")
	require.NoError(t, err)
	assert.IsType(t, &serde.MsgpackSerde{}, s)

	s, err = serde.ByName("json")
	require.NoError(t, err)
	assert.IsType(t, &serde.JsonSerde{}, s)

	_, err = serde.ByName("protobuf")
	require.Error(t, err)
}

func TestRoundTripStruct(t *testing.T) {
	original := quote{
		Symbol: "SPY",
		Bid:    512.25,
		Size:   300,
		Venues: []string{"ARCA", "BATS"},
		Meta:   &meta{Source: "feed", Cached: true},
	}
	for name, s := range serdes() {
		t.Run(name, func(t *testing.T) {
			data, err := s.SerializeBinary(original)
			require.NoError(t, err)

			var got quote
			require.NoError(t, s.DeserializeBinary(data, &got))
			assert.Equal(t, original, got)
		})
	}
}

func TestMsgpackUsesJSONFieldNames(t *testing.T) {
	s := &serde.MsgpackSerde{}
	data, err := s.SerializeBinary(meta{Source: "feed"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, s.DeserializeBinary(data, &m))
	assert.Contains(t, m, "source")
	assert.Contains(t, m, "cached")
}

func TestMsgpackEnvelopeAroundPayload(t *testing.T) {
	type envelope struct {
		TimestampMs int64  `json:"ts"`
		Payload     []byte `json:"payload"`
	}
	s := &serde.MsgpackSerde{}
	payload, err := s.SerializeBinary(&api.SignalReceived{Name: "approve", Payload: 7})
	require.NoError(t, err)
	body, err := s.SerializeBinary(envelope{TimestampMs: 1_700_000_000_000, Payload: payload})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, s.DeserializeBinary(body, &env))
	assert.Equal(t, int64(1_700_000_000_000), env.TimestampMs)
	var got api.SignalReceived
	require.NoError(t, s.DeserializeBinary(env.Payload, &got))
	assert.Equal(t, "approve", got.Name)
	assert.Equal(t, int64(7), got.Payload, "integers in interfaces widen to int64")

	err = s.DeserializeBinary([]byte{0xc1}, &env)
	assert.ErrorContains(t, err, "msgpack decode into *serde_test.envelope")
}

func TestEventPayloadThroughInterface(t *testing.T) {
	ev := &api.ActivityCompleted{Seq: 3, Attempt: 2, Result: quote{Symbol: "QQQ", Size: 5}}
	for name, s := range serdes() {
		t.Run(name, func(t *testing.T) {
			data, err := s.SerializeBinary(ev)
			require.NoError(t, err)

			var got api.ActivityCompleted
			require.NoError(t, s.DeserializeBinary(data, &got))
			assert.Equal(t, int64(3), got.Seq)
			assert.Equal(t, int32(2), got.Attempt)

			var q quote
			require.NoError(t, serde.NewTypeConverter(s).Assign(got.Result, &q))
			assert.Equal(t, "QQQ", q.Symbol)
			assert.Equal(t, 5, q.Size)
		})
	}
}

func TestTypeConverter(t *testing.T) {
	for name, s := range serdes() {
		t.Run(name, func(t *testing.T) {
			conv := serde.NewTypeConverter(s)

			t.Run("int through any", func(t *testing.T) {
				data, err := s.SerializeBinary(42)
				require.NoError(t, err)
				var v any
				require.NoError(t, s.DeserializeBinary(data, &v))

				got, err := conv.Convert(v, reflect.TypeOf(0))
				require.NoError(t, err)
				assert.Equal(t, 42, got.Interface())
			})

			t.Run("map to struct", func(t *testing.T) {
				data, err := s.SerializeBinary(meta{Source: "x", Cached: true})
				require.NoError(t, err)
				var m map[string]any
				require.NoError(t, s.DeserializeBinary(data, &m))

				got, err := conv.Convert(m, reflect.TypeOf(meta{}))
				require.NoError(t, err)
				assert.Equal(t, meta{Source: "x", Cached: true}, got.Interface())
			})

			t.Run("whole float narrows", func(t *testing.T) {
				got, err := conv.Convert(float64(7), reflect.TypeOf(int32(0)))
				require.NoError(t, err)
				assert.Equal(t, int32(7), got.Interface())
			})

			t.Run("lossy float rejected", func(t *testing.T) {
				_, err := conv.Convert(1.5, reflect.TypeOf(0))
				require.Error(t, err)
			})

			t.Run("assign into any", func(t *testing.T) {
				var out any
				require.NoError(t, conv.Assign("v", &out))
				assert.Equal(t, "v", out)
			})

			t.Run("assign requires pointer", func(t *testing.T) {
				require.Error(t, conv.Assign(1, 1))
			})
		})
	}
}
