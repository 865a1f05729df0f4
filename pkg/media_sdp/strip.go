package media_sdp

import "github.com/pion/sdp/v3"

var iceAttributes = map[string]bool{
	"mid":               true,
	"candidate":         true,
	"end-of-candidates": true,
	"ice-options":       true,
	"ice-ufrag":         true,
	"ice-pwd":           true,
	"ice-lite":          true,
}

// StripICE удаляет из документа атрибуты ICE на уровне сессии и медиа.
// Используется, когда ICE локально выключен.
func StripICE(desc *sdp.SessionDescription) {
	if desc == nil {
		return
	}

	desc.Attributes = withoutICE(desc.Attributes)
	for _, md := range desc.MediaDescriptions {
		if md != nil {
			md.Attributes = withoutICE(md.Attributes)
		}
	}
}

func withoutICE(attributes []sdp.Attribute) []sdp.Attribute {
	kept := attributes[:0]
	for _, attr := range attributes {
		if !iceAttributes[attr.Key] {
			kept = append(kept, attr)
		}
	}
	return kept
}
