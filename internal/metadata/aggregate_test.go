package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
	"github.com/andreweick/hamlet-hamtramck/internal/testimg"
)

func TestAggregateAllKindsPresent(t *testing.T) {
	data := testimg.WithSegments(testimg.BaseJPEG(8, 6),
		testimg.EXIFSegment(testimg.EXIFTags{Make: "Canon", ISO: 100, PixelX: 4000, PixelY: 3000}),
		testimg.IPTCSegment("Harbor at dawn", "", "", []string{"harbor"}),
		testimg.C2PASegment(testimg.C2PAOptions{ClaimGenerator: "make_test_images/0.1", IssuerCN: "C2PA Test Signing Cert"}),
	)

	res := NewAggregator(0).Aggregate(context.Background(), data)
	require.NoError(t, res.Failure)

	require.NotNil(t, res.Exif.Data)
	assert.Equal(t, "Canon", res.Exif.Data.Make)
	require.NotNil(t, res.Iptc.Data)
	assert.Equal(t, "Harbor at dawn", res.Iptc.Data.ObjectName)
	require.NotNil(t, res.C2PA.Data)

	require.NotNil(t, res.Width)
	require.NotNil(t, res.Height)
	assert.Equal(t, 4000, *res.Width)
	assert.Equal(t, 3000, *res.Height)

	assert.True(t, res.C2PAVerified)
	assert.True(t, res.C2PASignatureOK)
	require.NotNil(t, res.C2PAIssuer)
	assert.Equal(t, "C2PA Test Signing Cert", *res.C2PAIssuer)

	assert.Nil(t, res.ErrorSummary())
}

func TestAggregateBareImage(t *testing.T) {
	res := NewAggregator(0).Aggregate(context.Background(), testimg.BaseJPEG(8, 6))
	require.NoError(t, res.Failure)

	assert.Nil(t, res.Exif.Data)
	assert.Nil(t, res.Exif.Err)
	assert.Nil(t, res.Iptc.Data)
	assert.Nil(t, res.Iptc.Err)
	assert.Nil(t, res.C2PA.Data)
	assert.Nil(t, res.C2PA.Err)

	// Dimensions fall back to decoding the container.
	require.NotNil(t, res.Width)
	require.NotNil(t, res.Height)
	assert.Equal(t, 8, *res.Width)
	assert.Equal(t, 6, *res.Height)

	assert.False(t, res.C2PAVerified)
	assert.Nil(t, res.ErrorSummary())
}

func TestAggregatePartialFailure(t *testing.T) {
	data := testimg.WithSegments(testimg.BaseJPEG(8, 6),
		testimg.MalformedEXIFSegment(),
		testimg.IPTCSegment("Harbor at dawn", "", "", nil),
	)

	res := NewAggregator(0).Aggregate(context.Background(), data)
	require.NoError(t, res.Failure)

	assert.Nil(t, res.Exif.Data)
	require.NotNil(t, res.Exif.Err)
	assert.Equal(t, KindMalformed, res.Exif.Err.Kind)

	require.NotNil(t, res.Iptc.Data)
	assert.Equal(t, "Harbor at dawn", res.Iptc.Data.ObjectName)

	summary := res.ErrorSummary()
	require.NotNil(t, summary)
	assert.Contains(t, *summary, "exif")
}

func TestRunExtractorTimeout(t *testing.T) {
	slow := func([]byte) (*models.ExifData, *ExtractionError) {
		time.Sleep(time.Second)
		return nil, nil
	}
	out := runExtractor(context.Background(), 10*time.Millisecond, "exif", slow, nil)
	require.NotNil(t, out.err)
	assert.Equal(t, KindTimeout, out.err.Kind)
	assert.Nil(t, out.data)
	assert.Nil(t, out.crash)
}

func TestRunExtractorPanic(t *testing.T) {
	boom := func([]byte) (*models.ExifData, *ExtractionError) {
		panic("kaboom")
	}
	out := runExtractor(context.Background(), time.Second, "exif", boom, nil)
	require.Error(t, out.crash)
	assert.Contains(t, out.crash.Error(), "kaboom")
}

func TestRunExtractorCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := func([]byte) (*models.ExifData, *ExtractionError) {
		time.Sleep(time.Second)
		return nil, nil
	}
	out := runExtractor(ctx, time.Second, "exif", slow, nil)
	require.NotNil(t, out.err)
	assert.Equal(t, KindTimeout, out.err.Kind)
}
