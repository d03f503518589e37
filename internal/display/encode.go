package display

import (
	"bytes"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeMsgpack writes the frame as a map with sorted data keys so equal
// signals encode to equal bytes.
func encodeMsgpack(frame Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("stream"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(frame.Stream); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("at"); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(frame.At); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("data"); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(frame.Data))
	for k := range frame.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return nil, err
		}
		if err := enc.EncodeString(frame.Data[k]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
