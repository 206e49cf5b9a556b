package feedcache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/campusfeed/internal/feed"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("feedcache: invalid cbor encoding options: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("feedcache: invalid cbor decoding options: %v", err))
	}
}

func encodeProjections(ps []feed.Projection) ([]byte, error) {
	if ps == nil {
		ps = []feed.Projection{}
	}
	data, err := encMode.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode projections: %w", err)
	}
	return data, nil
}

func decodeProjections(data []byte) ([]feed.Projection, error) {
	var ps []feed.Projection
	if err := decMode.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to decode projections: %w", err)
	}
	return ps, nil
}
