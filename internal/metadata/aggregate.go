package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// ErrAllExtractorsFailed marks an aggregate-level failure: every
// extractor crashed outright, as opposed to returning typed per-kind
// errors. It goes through the orchestrator's retry policy.
var ErrAllExtractorsFailed = errors.New("all extractors crashed")

// DefaultExtractorTimeout bounds each extractor's internal work.
const DefaultExtractorTimeout = 5 * time.Second

// Aggregator fans one image buffer out to the three extractors and
// reconciles their outcomes. It is a pure function of the bytes: no
// stores, no queue, fully testable offline.
type Aggregator struct {
	extractorTimeout time.Duration
}

func NewAggregator(extractorTimeout time.Duration) *Aggregator {
	if extractorTimeout <= 0 {
		extractorTimeout = DefaultExtractorTimeout
	}
	return &Aggregator{extractorTimeout: extractorTimeout}
}

type ExifOutcome struct {
	Data *models.ExifData
	Err  *ExtractionError
}

type IptcOutcome struct {
	Data *models.IptcData
	Err  *ExtractionError
}

type C2PAOutcome struct {
	Data *models.C2PAManifest
	Err  *ExtractionError
}

// Result is the transient aggregate the orchestrator merges into the
// image record. For each kind either Data or Err may be set; both nil
// means the kind is simply not present in the asset.
type Result struct {
	Exif ExifOutcome
	Iptc IptcOutcome
	C2PA C2PAOutcome

	Width  *int
	Height *int

	C2PAVerified    bool
	C2PASignatureOK bool
	C2PAIssuer      *string

	// Failure is non-nil only for an aggregate-level failure; per-kind
	// errors never set it.
	Failure error
}

// ErrorSummary folds the per-kind errors into one note for the record,
// or nil when every kind either parsed or was absent.
func (r Result) ErrorSummary() *string {
	var errs []error
	if r.Exif.Err != nil {
		errs = append(errs, r.Exif.Err)
	}
	if r.Iptc.Err != nil {
		errs = append(errs, r.Iptc.Err)
	}
	if r.C2PA.Err != nil {
		errs = append(errs, r.C2PA.Err)
	}
	combined := multierr.Combine(errs...)
	if combined == nil {
		return nil
	}
	s := combined.Error()
	return &s
}

// Aggregate runs the three extractors concurrently over data and joins
// all outcomes. One extractor failing, timing out or crashing never
// cancels the others.
func (a *Aggregator) Aggregate(ctx context.Context, data []byte) Result {
	var (
		exifOut outcome[models.ExifData]
		iptcOut outcome[models.IptcData]
		c2paOut outcome[models.C2PAManifest]
	)

	var g errgroup.Group
	g.Go(func() error {
		exifOut = runExtractor(ctx, a.extractorTimeout, "exif", ExtractEXIF, data)
		return nil
	})
	g.Go(func() error {
		iptcOut = runExtractor(ctx, a.extractorTimeout, "iptc", ExtractIPTC, data)
		return nil
	})
	g.Go(func() error {
		c2paOut = runExtractor(ctx, a.extractorTimeout, "c2pa", ExtractC2PA, data)
		return nil
	})
	// Tasks never return errors; the group only joins them.
	_ = g.Wait()

	var res Result
	var crashes []error
	res.Exif.Data, res.Exif.Err = settle("exif", exifOut, &crashes)
	res.Iptc.Data, res.Iptc.Err = settle("iptc", iptcOut, &crashes)
	res.C2PA.Data, res.C2PA.Err = settle("c2pa", c2paOut, &crashes)

	if len(crashes) == 3 {
		return Result{Failure: fmt.Errorf("%w: %v", ErrAllExtractorsFailed, multierr.Combine(crashes...))}
	}

	a.deriveDimensions(&res, data)
	a.deriveC2PA(&res)
	return res
}

// deriveDimensions prefers the EXIF pixel dimensions and falls back to
// decoding the container header.
func (a *Aggregator) deriveDimensions(res *Result, data []byte) {
	if res.Exif.Data != nil && res.Exif.Data.PixelWidth > 0 && res.Exif.Data.PixelHeight > 0 {
		w, h := res.Exif.Data.PixelWidth, res.Exif.Data.PixelHeight
		res.Width, res.Height = &w, &h
		return
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	res.Width, res.Height = &w, &h
}

func (a *Aggregator) deriveC2PA(res *Result) {
	manifest := res.C2PA.Data
	res.C2PAVerified = manifest != nil
	if manifest == nil {
		return
	}
	res.C2PASignatureOK = manifest.SignatureValid
	if manifest.Issuer != "" {
		issuer := manifest.Issuer
		res.C2PAIssuer = &issuer
	}
}

type outcome[T any] struct {
	data  *T
	err   *ExtractionError
	crash error
}

// settle converts a crash into a recorded per-kind malformed error while
// collecting it for the all-crashed check.
func settle[T any](source string, o outcome[T], crashes *[]error) (*T, *ExtractionError) {
	if o.crash != nil {
		*crashes = append(*crashes, o.crash)
		return nil, newError(KindMalformed, source, o.crash)
	}
	return o.data, o.err
}

// runExtractor enforces the per-extractor time budget and converts
// panics into crash outcomes. On timeout the extractor goroutine is
// left to finish in the background; it holds only its own copy of the
// slice header and cannot affect the settled result.
func runExtractor[T any](ctx context.Context, budget time.Duration, source string, fn func([]byte) (*T, *ExtractionError), data []byte) outcome[T] {
	type reply struct {
		data  *T
		err   *ExtractionError
		crash error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{crash: fmt.Errorf("%s extractor panicked: %v", source, r)}
			}
		}()
		d, e := fn(data)
		ch <- reply{data: d, err: e}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case r := <-ch:
		return outcome[T]{data: r.data, err: r.err, crash: r.crash}
	case <-timer.C:
		return outcome[T]{err: newError(KindTimeout, source, context.DeadlineExceeded)}
	case <-ctx.Done():
		return outcome[T]{err: newError(KindTimeout, source, ctx.Err())}
	}
}
