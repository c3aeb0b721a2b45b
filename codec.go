// Copyright 2025 The Windrose Authors.
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

package windrose

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/windrose-streams/windrose/kit"

	jsoniter "github.com/json-iterator/go"
)

// Codec en/decodes accumulators for checkpoint snapshots and results for sinks.
type Codec[T any] interface {
	Encode(*bytes.Buffer, T) error
	Decode([]byte) (T, error)
}

var defaultJson = jsoniter.ConfigCompatibleWithStandardLibrary

// JsonCodec is a generic JSON en/decoder.
// Uses "github.com/json-iterator/go".ConfigCompatibleWithStandardLibrary for en/decoding JSON in a performant way.
type JsonCodec[T any] struct{}

// Encode encodes the provided value.
func (JsonCodec[T]) Encode(b *bytes.Buffer, t T) error {
	stream := defaultJson.BorrowStream(b)
	defer defaultJson.ReturnStream(stream)
	stream.WriteVal(t)
	return stream.Flush()
}

// Decode decodes the provided []byte.
func (JsonCodec[T]) Decode(b []byte) (T, error) {
	iter := defaultJson.BorrowIterator(b)
	defer defaultJson.ReturnIterator(iter)

	var t T
	iter.ReadVal(&t)
	return t, iter.Error
}

const intByteSize = 8

type intCodec[T kit.Signed] struct{}

// Encode encodes the provided value. Will never induce an error unless there is an OOM
// condition, so it is safe to ignore on Encode/Decode.
func (intCodec[T]) Encode(b *bytes.Buffer, i T) error {
	var arr [intByteSize]byte
	binary.LittleEndian.PutUint64(arr[:], uint64(int64(i)))
	b.Write(arr[:])
	return nil
}

// Decode decodes the provided []byte. An error is generated if the input is shorter
// than 8 bytes.
func (intCodec[T]) Decode(b []byte) (T, error) {
	if len(b) < intByteSize {
		var zero T
		return zero, fmt.Errorf("invalid integer []byte length. Expected %d, actual: %d", intByteSize, len(b))
	}
	return T(int64(binary.LittleEndian.Uint64(b))), nil
}

// IntCodec is a convenience codec for working with int accumulators.
var IntCodec = intCodec[int]{}

// Int64Codec is a convenience codec for working with int64 accumulators (Count, for example).
var Int64Codec = intCodec[int64]{}

type float64Codec struct{}

func (float64Codec) Encode(b *bytes.Buffer, f float64) error {
	stream := defaultJson.BorrowStream(b)
	defer defaultJson.ReturnStream(stream)
	stream.WriteFloat64(f)
	return stream.Flush()
}

func (float64Codec) Decode(b []byte) (float64, error) {
	iter := defaultJson.BorrowIterator(b)
	defer defaultJson.ReturnIterator(iter)
	f := iter.ReadFloat64()
	return f, iter.Error
}

// Float64Codec is a convenience codec for working with float64 accumulators (Sum, for example).
var Float64Codec Codec[float64] = float64Codec{}

type stringCodec struct{}

func (stringCodec) Encode(b *bytes.Buffer, s string) error {
	_, err := b.WriteString(s)
	return err
}

func (stringCodec) Decode(b []byte) (string, error) {
	return string(b), nil
}

// StringCodec is a convenience codec for working with strings.
var StringCodec Codec[string] = stringCodec{}

type byteCodec struct{}

func (byteCodec) Encode(b *bytes.Buffer, v []byte) error {
	_, err := b.Write(v)
	return err
}

func (byteCodec) Decode(b []byte) ([]byte, error) {
	return b, nil
}

// ByteCodec is a convenience codec for working with raw `[]byte`s.
var ByteCodec Codec[[]byte] = byteCodec{}
