// Package gobcodec provides the default transport.Codec
// implementation, backed by encoding/gob. It is the fallback used
// whenever an application doesn't bring its own schema-driven codec
// (spec.md's Open Question on generic payload codecs): no library in
// the retrieved example pack offers a schema-free codec for ad-hoc Go
// structs without a separate compile step, so gob — stdlib, and
// already self-describing enough to round-trip arbitrary struct
// shapes between a Go client and a Go server — is the justified
// exception to "prefer a third-party codec".
package gobcodec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Codec marshals T with encoding/gob. T should be a concrete,
// gob-encodable type (exported fields, no channels/funcs).
type Codec[T any] struct{}

// New returns a gob-backed transport.Codec[T].
func New[T any]() Codec[T] {
	return Codec[T]{}
}

func (Codec[T]) Marshal(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gobcodec: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (Codec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gobcodec: unmarshal: %w", err)
	}
	return v, nil
}
