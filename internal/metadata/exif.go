package metadata

import (
	"errors"
	"fmt"
	"strconv"

	exif "github.com/dsoprea/go-exif/v3"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// ExtractEXIF pulls camera/capture metadata out of the raw image bytes.
// A (nil, nil) return means the asset simply carries no EXIF block.
func ExtractEXIF(data []byte) (out *models.ExifData, extErr *ExtractionError) {
	// The underlying parser panics on some truncated inputs; the adapter
	// contract is a typed error, never a fault.
	defer func() {
		if r := recover(); r != nil {
			out = nil
			extErr = newError(KindMalformed, "exif", fmt.Errorf("parser fault: %v", r))
		}
	}()

	rawExif, err := exif.SearchAndExtractExif(data)
	if err != nil {
		if errors.Is(err, exif.ErrNoExif) {
			return nil, nil
		}
		return nil, newError(KindMalformed, "exif", err)
	}

	entries, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return nil, newError(KindMalformed, "exif", err)
	}

	result := &models.ExifData{Raw: map[string]string{}}
	for _, entry := range entries {
		value := entry.FormattedFirst
		if value == "" {
			value = entry.Formatted
		}
		switch entry.TagName {
		case "Make":
			result.Make = value
		case "Model":
			result.Model = value
		case "Software":
			result.Software = value
		case "DateTime", "DateTimeOriginal":
			if result.DateTime == "" || entry.TagName == "DateTimeOriginal" {
				result.DateTime = value
			}
		case "ExposureTime":
			result.ExposureTime = value
		case "FNumber":
			result.FNumber = value
		case "ISOSpeedRatings", "PhotographicSensitivity":
			if n, err := strconv.Atoi(value); err == nil {
				result.ISOSpeed = n
			}
		case "FocalLength":
			result.FocalLength = value
		case "PixelXDimension", "ImageWidth":
			if n, err := strconv.Atoi(value); err == nil && result.PixelWidth == 0 {
				result.PixelWidth = n
			}
		case "PixelYDimension", "ImageLength":
			if n, err := strconv.Atoi(value); err == nil && result.PixelHeight == 0 {
				result.PixelHeight = n
			}
		default:
			if value != "" {
				result.Raw[entry.TagName] = value
			}
		}
	}
	if len(result.Raw) == 0 {
		result.Raw = nil
	}
	return result, nil
}
