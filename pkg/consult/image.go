package consult

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/go-go-golems/ehosp/pkg/inference"
)

const defaultImageType = "image/jpeg"

var dataURIMime = regexp.MustCompile(`^data:([^;,]+)[;,]`)

// DecodeImage accepts a data URI or raw base64 payload. The MIME type comes from the
// data URI, then fallbackType, then image/jpeg.
func DecodeImage(payload, fallbackType string) (inference.Image, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return inference.Image{}, invalid("image is required")
	}
	mime := strings.TrimSpace(fallbackType)
	if m := dataURIMime.FindStringSubmatch(payload); m != nil {
		mime = m[1]
	}
	if mime == "" {
		mime = defaultImageType
	}
	if i := strings.Index(payload, ","); i >= 0 {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return inference.Image{}, invalid("image is not valid base64")
	}
	if len(data) == 0 {
		return inference.Image{}, invalid("image is empty")
	}
	return inference.Image{MIMEType: mime, Data: data}, nil
}
