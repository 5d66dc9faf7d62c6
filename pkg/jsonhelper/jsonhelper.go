package jsonhelper

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func Encode[T any](t T) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("couldn't encode %T: %w", t, err)
	}
	return b, nil
}

func Decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("couldn't decode %T: %w", t, err)
	}
	return t, nil
}

// MustEncode is for values whose encoding cannot fail, such as plain structs.
func MustEncode[T any](t T) []byte {
	b, err := Encode(t)
	if err != nil {
		panic(err)
	}
	return b
}
