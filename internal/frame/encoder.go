// Package frame turns camera images into the payloads sent to the analysis
// backend and buffers them between capture and transmission.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	DefaultWidth   = 320
	DefaultHeight  = 240
	DefaultQuality = 92

	MIMETypeJPEG  = "image/jpeg"
	dataURLPrefix = "data:" + MIMETypeJPEG + ";base64,"
)

var ErrNilImage = errors.New("frame: nil image")

// Encoder draws frames into a fixed-size offscreen bitmap and encodes them as
// JPEG. An Encoder reuses its bitmap and is not safe for concurrent use.
type Encoder struct {
	width   int
	height  int
	quality int
	canvas  *image.RGBA
	buf     bytes.Buffer
}

// NewEncoder returns an encoder for width x height frames. Zero values pick
// the defaults (320x240, quality 92).
func NewEncoder(width, height, quality int) *Encoder {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{
		width:   width,
		height:  height,
		quality: quality,
		canvas:  image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

func (e *Encoder) Size() (int, int) { return e.width, e.height }

// Encode stretches img onto the canvas and returns the JPEG bytes. The
// returned slice is a copy owned by the caller.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	draw.ApproxBiLinear.Scale(e.canvas, e.canvas.Bounds(), img, img.Bounds(), draw.Src, nil)

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, e.canvas, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return append([]byte(nil), e.buf.Bytes()...), nil
}

// EncodeDataURL encodes img as a base64 JPEG data URL, the form a browser
// canvas produces with toDataURL("image/jpeg").
func (e *Encoder) EncodeDataURL(img image.Image) (string, error) {
	data, err := e.Encode(img)
	if err != nil {
		return "", err
	}
	return DataURL(data), nil
}

func DataURL(jpegData []byte) string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(jpegData)
}

// DecodeDataURL reverses DataURL.
func DecodeDataURL(s string) ([]byte, error) {
	if len(s) < len(dataURLPrefix) || s[:len(dataURLPrefix)] != dataURLPrefix {
		return nil, fmt.Errorf("frame: not a jpeg data URL")
	}
	return base64.StdEncoding.DecodeString(s[len(dataURLPrefix):])
}
