package models

import "encoding/base64"

// Image is an uploaded menu or dish photo.
type Image struct {
	Data     []byte
	MimeType string
}

// NewImageFromBase64 decodes a base64 payload as sent by the web client.
func NewImageFromBase64(payload string) (Image, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, MimeType: "image/jpeg"}, nil
}

// EncodedSize is the length of the base64 payload sent to the provider.
func (i Image) EncodedSize() int {
	return base64.StdEncoding.EncodedLen(len(i.Data))
}

// DataURL renders the image as an inline data URL.
func (i Image) DataURL() string {
	mime := i.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}
