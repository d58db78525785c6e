package metadata

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dsoprea/go-iptc"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// IIM record 2 dataset numbers for the fields we persist.
const (
	iptcObjectName = 5
	iptcKeywords   = 25
	iptcByline     = 80
	iptcCity       = 90
	iptcCountry    = 101
	iptcCredit     = 110
	iptcCopyright  = 116
	iptcCaption    = 120
)

var photoshopPrefix = []byte("Photoshop 3.0\x00")

// ExtractIPTC pulls descriptive/rights metadata out of the image bytes.
// IPTC IIM travels in a JPEG APP13 Photoshop block; other containers
// are a (nil, nil) absent result, as is a JPEG without the block.
func ExtractIPTC(data []byte) (out *models.IptcData, extErr *ExtractionError) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			extErr = newError(KindMalformed, "iptc", fmt.Errorf("parser fault: %v", r))
		}
	}()

	jmp := jpegstructure.NewJpegMediaParser()
	if !jmp.LooksLikeFormat(data) {
		return nil, nil
	}

	intfc, err := jmp.ParseBytes(data)
	if err != nil {
		return nil, newError(KindMalformed, "iptc", err)
	}
	sl := intfc.(*jpegstructure.SegmentList)

	hasApp13 := false
	for _, segment := range sl.Segments() {
		if segment.MarkerId == 0xed && bytes.HasPrefix(segment.Data, photoshopPrefix) {
			hasApp13 = true
			break
		}
	}
	if !hasApp13 {
		return nil, nil
	}

	tags, err := sl.Iptc()
	if err != nil {
		return nil, newError(KindMalformed, "iptc", err)
	}

	result := &models.IptcData{}
	first := func(ds uint8) string {
		values := tags[iptc.StreamTagKey{RecordNumber: 2, DatasetNumber: ds}]
		if len(values) == 0 {
			return ""
		}
		return strings.TrimRight(string(values[0]), "\x00")
	}

	result.ObjectName = first(iptcObjectName)
	result.Caption = first(iptcCaption)
	result.Byline = first(iptcByline)
	result.Credit = first(iptcCredit)
	result.CopyrightNotice = first(iptcCopyright)
	result.City = first(iptcCity)
	result.Country = first(iptcCountry)
	for _, kw := range tags[iptc.StreamTagKey{RecordNumber: 2, DatasetNumber: iptcKeywords}] {
		result.Keywords = append(result.Keywords, strings.TrimRight(string(kw), "\x00"))
	}
	return result, nil
}
