package models

import (
	"time"

	"github.com/google/uuid"
)

// MetadataStatus tracks the asynchronous extraction pipeline for one record.
type MetadataStatus string

const (
	MetadataPending    MetadataStatus = "pending"
	MetadataProcessing MetadataStatus = "processing"
	MetadataCompleted  MetadataStatus = "completed"
	MetadataFailed     MetadataStatus = "failed"
)

// CanTransition reports whether the extraction state machine allows
// from -> to. completed is terminal except for an explicit reprocess
// request, which goes back through pending.
func CanTransition(from, to MetadataStatus) bool {
	switch from {
	case MetadataPending:
		return to == MetadataProcessing
	case MetadataProcessing:
		return to == MetadataCompleted || to == MetadataFailed || to == MetadataPending
	case MetadataFailed:
		return to == MetadataPending || to == MetadataProcessing
	case MetadataCompleted:
		return to == MetadataPending
	}
	return false
}

// LifecycleStatus is independent of extraction state.
type LifecycleStatus string

const (
	StatusActive   LifecycleStatus = "active"
	StatusArchived LifecycleStatus = "archived"
	StatusDeleted  LifecycleStatus = "deleted"
)

// ExifData is the camera/capture metadata persisted per record.
type ExifData struct {
	Make         string            `json:"make,omitempty"`
	Model        string            `json:"model,omitempty"`
	Software     string            `json:"software,omitempty"`
	DateTime     string            `json:"date_time,omitempty"`
	ExposureTime string            `json:"exposure_time,omitempty"`
	FNumber      string            `json:"f_number,omitempty"`
	ISOSpeed     int               `json:"iso_speed,omitempty"`
	FocalLength  string            `json:"focal_length,omitempty"`
	PixelWidth   int               `json:"pixel_width,omitempty"`
	PixelHeight  int               `json:"pixel_height,omitempty"`
	Raw          map[string]string `json:"raw,omitempty"`
}

// IptcData is the descriptive/rights metadata persisted per record.
type IptcData struct {
	ObjectName      string   `json:"object_name,omitempty"`
	Caption         string   `json:"caption,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	Byline          string   `json:"byline,omitempty"`
	Credit          string   `json:"credit,omitempty"`
	CopyrightNotice string   `json:"copyright_notice,omitempty"`
	City            string   `json:"city,omitempty"`
	Country         string   `json:"country,omitempty"`
}

// C2PAManifest is the content-authenticity manifest summary persisted
// per record.
type C2PAManifest struct {
	ManifestLabel   string   `json:"manifest_label,omitempty"`
	ClaimGenerator  string   `json:"claim_generator,omitempty"`
	Issuer          string   `json:"issuer,omitempty"`
	SignatureValid  bool     `json:"signature_valid"`
	AssertionLabels []string `json:"assertion_labels,omitempty"`
}

// ImageRecord is one row per uploaded asset. The ingest handler owns
// creation plus Status/DeletedAt; the pipeline owns MetadataStatus and
// the extraction field group. Nothing else writes either group.
type ImageRecord struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	BlobRef          string          `db:"blob_ref" json:"blob_ref"`
	OriginalFilename string          `db:"original_filename" json:"original_filename"`
	MimeType         string          `db:"mime_type" json:"mime_type"`
	FileSizeBytes    int64           `db:"file_size_bytes" json:"file_size_bytes"`
	UploadedBy       string          `db:"uploaded_by" json:"uploaded_by"`
	Width            *int            `db:"width" json:"width"`
	Height           *int            `db:"height" json:"height"`
	Exif             *ExifData       `db:"exif_data" json:"exif_data"`
	Iptc             *IptcData       `db:"iptc_data" json:"iptc_data"`
	C2PA             *C2PAManifest   `db:"c2pa_data" json:"c2pa_data"`
	C2PAVerified     bool            `db:"c2pa_verified" json:"c2pa_verified"`
	C2PASignatureOK  bool            `db:"c2pa_signature_valid" json:"c2pa_signature_valid"`
	C2PAIssuer       *string         `db:"c2pa_issuer" json:"c2pa_issuer"`
	MetadataStatus   MetadataStatus  `db:"metadata_status" json:"metadata_status"`
	MetadataError    *string         `db:"metadata_error" json:"metadata_error,omitempty"`
	Status           LifecycleStatus `db:"status" json:"status"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
	DeletedAt        *time.Time      `db:"deleted_at" json:"deleted_at,omitempty"`
}

// ExtractionFields is the field group the pipeline writes alongside a
// metadata status transition. A nil metadata pointer means that kind was
// not present in the asset; the write replaces the whole group so stale
// values from an earlier attempt cannot survive a reprocess.
type ExtractionFields struct {
	Width           *int
	Height          *int
	Exif            *ExifData
	Iptc            *IptcData
	C2PA            *C2PAManifest
	C2PAVerified    bool
	C2PASignatureOK bool
	C2PAIssuer      *string
	MetadataError   *string
}
