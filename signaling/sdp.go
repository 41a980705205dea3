package signaling

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// validateOffer checks that desc is an offer carrying a parseable SDP with
// at least one media section.
func validateOffer(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %q", ErrMalformedDescription, desc.Type.String())
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformedDescription)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrMalformedDescription)
	}
	return nil
}
