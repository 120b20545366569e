package imagelist

import (
	"os"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
)

// camera holds the EXIF fields needed to estimate a focal length.
type camera struct {
	maker   string
	model   string
	focalMM float64
}

func (c camera) name() string {
	return strings.TrimSpace(c.maker + " " + c.model)
}

// readCamera extracts make, model and focal length from the EXIF block of
// path. ok is false when the model or a positive focal length is missing.
func readCamera(path string) (camera, bool) {
	f, err := os.Open(path)
	if err != nil {
		return camera{}, false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return camera{}, false
	}
	var c camera
	c.maker = exifString(x, exif.Make)
	c.model = exifString(x, exif.Model)

	tag, err := x.Get(exif.FocalLength)
	if err != nil {
		return c, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return c, false
	}
	c.focalMM = float64(num) / float64(den)
	return c, c.model != "" && c.focalMM > 0
}

func exifString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// focalFromSensor converts a focal length in millimetres to pixels for a
// w x h image taken on a sensor sensorMM wide.
func focalFromSensor(w, h int, focalMM, sensorMM float64) float64 {
	return float64(max(w, h)) * focalMM / sensorMM
}
