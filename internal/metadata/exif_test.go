package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreweick/hamlet-hamtramck/internal/testimg"
)

func TestExtractEXIF(t *testing.T) {
	data := testimg.WithSegments(testimg.BaseJPEG(8, 6), testimg.EXIFSegment(testimg.EXIFTags{
		Make:   "Canon",
		ISO:    100,
		PixelX: 4000,
		PixelY: 3000,
	}))

	out, extErr := ExtractEXIF(data)
	require.Nil(t, extErr)
	require.NotNil(t, out)

	assert.Equal(t, "Canon", out.Make)
	assert.Equal(t, 100, out.ISOSpeed)
	assert.Equal(t, 4000, out.PixelWidth)
	assert.Equal(t, 3000, out.PixelHeight)
}

func TestExtractEXIFAbsent(t *testing.T) {
	out, extErr := ExtractEXIF(testimg.BaseJPEG(8, 6))
	assert.Nil(t, out)
	assert.Nil(t, extErr)
}

func TestExtractEXIFMalformed(t *testing.T) {
	data := testimg.WithSegments(testimg.BaseJPEG(8, 6), testimg.MalformedEXIFSegment())

	out, extErr := ExtractEXIF(data)
	assert.Nil(t, out)
	require.NotNil(t, extErr)
	assert.Equal(t, KindMalformed, extErr.Kind)
	assert.Equal(t, "exif", extErr.Source)
}

func TestExtractEXIFNotAnImage(t *testing.T) {
	out, extErr := ExtractEXIF([]byte("plain text, nothing to see"))
	assert.Nil(t, out)
	assert.Nil(t, extErr)
}
