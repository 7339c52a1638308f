package serde

import "fmt"

type BinarySerde interface {
	SerializeBinary(value any) ([]byte, error)
	DeserializeBinary(data []byte, valuePtr any) error
}

// ByName returns the serde registered under name. An empty name selects
// msgpack.
func ByName(name string) (BinarySerde, error) {
	switch name {
	case "", "msgpack":
		return &MsgpackSerde{}, nil
	case "json":
		return &JsonSerde{}, nil
	default:
		return nil, fmt.Errorf("unknown serde %q", name)
	}
}
