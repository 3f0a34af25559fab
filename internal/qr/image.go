package qr

import (
	"encoding/base64"
	"mime"
	"strings"
)

// Image is an encoded image ready to embed in a data URL.
type Image struct {
	Data        []byte
	ContentType string
}

// DataURL renders the image as data:<type>;base64,<payload>.
func (img Image) DataURL() string {
	ct := img.ContentType
	if ct == "" {
		ct = "image/png"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Empty reports whether the image carries no bytes.
func (img Image) Empty() bool { return len(img.Data) == 0 }

// ParseDataURL is the inverse of DataURL.
func ParseDataURL(s string) (Image, bool) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Image{}, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, false
	}
	ct, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return Image{}, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, false
	}
	return Image{Data: data, ContentType: ct}, true
}

// mediaType strips parameters from a Content-Type header value.
func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(header, ";", 2)[0])
	}
	return mt
}
