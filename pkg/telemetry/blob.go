package telemetry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Blob is a uint8[] message field. rosbridge sends these as base64 text in
// JSON frames and as byte strings in CBOR frames; some bridges send
// latin-1 text or a plain number array instead. Blob accepts all of them.
type Blob []byte

// UnmarshalJSON implements json.Unmarshaler.
func (b *Blob) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("blob: %w", err)
		}
		out, err := blobFromText(s)
		if err != nil {
			return err
		}
		*b = out
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("blob: want string or byte array: %w", err)
	}
	out, err := blobFromInts(nums)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (b *Blob) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err == nil {
		*b = raw
		return nil
	}
	var s string
	if err := cbor.Unmarshal(data, &s); err == nil {
		out, err := blobFromText(s)
		if err != nil {
			return err
		}
		*b = out
		return nil
	}
	var nums []int
	if err := cbor.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("blob: want byte string, text or byte array: %w", err)
	}
	out, err := blobFromInts(nums)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

func blobFromText(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	// latin-1: one byte per code point
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, fmt.Errorf("blob: text is neither base64 nor latin-1 (rune %U)", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

func blobFromInts(nums []int) ([]byte, error) {
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 0xff {
			return nil, fmt.Errorf("blob: element %d = %d out of byte range", i, n)
		}
		out[i] = byte(n)
	}
	return out, nil
}
