//go:build !opus || !cgo

package rtpio

import "fmt"

// stereoOpusState is the no-cgo stand-in: the real implementation
// (opus.go) is gated behind `-tags opus` because it needs libopus via
// media-sdk's cgo binding. Builds without that tag get a clear error at
// decode time instead of a silent no-op.
type stereoOpusState struct{}

func newOpusStereoDecoder(sampleRate, channels int) (*stereoOpusState, error) {
	return nil, fmt.Errorf("rtpio: opus support not built; rebuild with -tags opus")
}

func (s *stereoOpusState) decode(payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("rtpio: opus support not built; rebuild with -tags opus")
}

func (s *stereoOpusState) close() error { return nil }
