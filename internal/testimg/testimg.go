// Package testimg builds synthetic image fixtures for tests: real
// decodable JPEGs with handcrafted EXIF, IPTC and C2PA segments spliced
// in. Codec libraries refuse to emit the malformed variants on purpose,
// so the markers are written raw here.
package testimg

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// BaseJPEG returns a small decodable JPEG with no metadata segments.
func BaseJPEG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 37), G: uint8(y * 53), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// WithSegments splices raw marker segments in right after SOI.
func WithSegments(jpegData []byte, segments ...[]byte) []byte {
	out := make([]byte, 0, len(jpegData)+256)
	out = append(out, jpegData[:2]...)
	for _, seg := range segments {
		out = append(out, seg...)
	}
	out = append(out, jpegData[2:]...)
	return out
}

func markerSegment(marker byte, payload []byte) []byte {
	seg := make([]byte, 0, 4+len(payload))
	seg = append(seg, 0xff, marker)
	segLen := uint16(2 + len(payload))
	seg = append(seg, byte(segLen>>8), byte(segLen))
	return append(seg, payload...)
}

// EXIFTags is the subset of tags the fixtures write.
type EXIFTags struct {
	Make   string
	ISO    uint16
	PixelX uint32
	PixelY uint32
}

// EXIFSegment builds an APP1 segment with a little-endian TIFF stream:
// IFD0 carries Make and the Exif sub-IFD pointer; the sub-IFD carries
// ISO and the pixel dimensions.
func EXIFSegment(t EXIFTags) []byte {
	makeValue := append([]byte(t.Make), 0)

	var tiff bytes.Buffer
	le := binary.LittleEndian

	write16 := func(v uint16) { _ = binary.Write(&tiff, le, v) }
	write32 := func(v uint32) { _ = binary.Write(&tiff, le, v) }

	// Header: byte order, magic, IFD0 offset.
	tiff.WriteString("II")
	write16(0x002a)
	write32(8)

	const ifd0Offset = 8
	ifd0End := uint32(ifd0Offset + 2 + 2*12 + 4)
	makeOffset := ifd0End
	exifIfdOffset := makeOffset + uint32(len(makeValue))

	// IFD0: Make (ASCII), ExifIFDPointer (LONG).
	write16(2)
	write16(0x010f)
	write16(2)
	write32(uint32(len(makeValue)))
	write32(makeOffset)
	write16(0x8769)
	write16(4)
	write32(1)
	write32(exifIfdOffset)
	write32(0) // no next IFD

	tiff.Write(makeValue)

	// Exif sub-IFD: ISOSpeedRatings (SHORT), PixelXDimension,
	// PixelYDimension (LONG).
	write16(3)
	write16(0x8827)
	write16(3)
	write32(1)
	write16(t.ISO)
	write16(0)
	write16(0xa002)
	write16(4)
	write32(1)
	write32(t.PixelX)
	write16(0xa003)
	write16(4)
	write32(1)
	write32(t.PixelY)
	write32(0)

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	return markerSegment(0xe1, payload)
}

// MalformedEXIFSegment carries a valid TIFF header whose IFD claims far
// more entries than the stream holds, so the scanner finds EXIF but
// decoding it fails.
func MalformedEXIFSegment() []byte {
	payload := append([]byte("Exif\x00\x00"),
		'I', 'I', 0x2a, 0x00, // little-endian TIFF magic
		0x08, 0x00, 0x00, 0x00, // IFD0 at offset 8
		0xff, 0xff, // 65535 entries, none present
	)
	return markerSegment(0xe1, payload)
}

// IPTCSegment builds an APP13 Photoshop block holding IPTC IIM record-2
// datasets.
func IPTCSegment(objectName, caption, copyright string, keywords []string) []byte {
	var iim bytes.Buffer
	dataset := func(record, ds byte, value []byte) {
		iim.WriteByte(0x1c)
		iim.WriteByte(record)
		iim.WriteByte(ds)
		iim.WriteByte(byte(len(value) >> 8))
		iim.WriteByte(byte(len(value)))
		iim.Write(value)
	}
	dataset(2, 0, []byte{0x00, 0x04}) // record version
	if objectName != "" {
		dataset(2, 5, []byte(objectName))
	}
	for _, kw := range keywords {
		dataset(2, 25, []byte(kw))
	}
	if copyright != "" {
		dataset(2, 116, []byte(copyright))
	}
	if caption != "" {
		dataset(2, 120, []byte(caption))
	}

	iimData := iim.Bytes()

	var payload bytes.Buffer
	payload.WriteString("Photoshop 3.0\x00")
	payload.WriteString("8BIM")
	payload.Write([]byte{0x04, 0x04}) // IPTC-NAA resource
	payload.Write([]byte{0x00, 0x00}) // empty pascal name, even-padded
	_ = binary.Write(&payload, binary.BigEndian, uint32(len(iimData)))
	payload.Write(iimData)
	if len(iimData)%2 == 1 {
		payload.WriteByte(0x00)
	}
	return markerSegment(0xed, payload.Bytes())
}

// C2PAOptions controls the manifest fixture.
type C2PAOptions struct {
	ClaimGenerator string
	IssuerCN       string
	// OmitSignature drops the signature box entirely.
	OmitSignature bool
}

// C2PASegment builds an APP11 JUMBF segment holding a minimal C2PA
// manifest store: a claim box with CBOR content and a COSE_Sign1
// signature box carrying a self-signed x5chain certificate.
func C2PASegment(opts C2PAOptions) []byte {
	claim := struct {
		ClaimGenerator string `cbor:"claim_generator"`
		Assertions     []struct {
			URL string `cbor:"url"`
		} `cbor:"assertions"`
	}{ClaimGenerator: opts.ClaimGenerator}
	claim.Assertions = append(claim.Assertions, struct {
		URL string `cbor:"url"`
	}{URL: "self#jumbf=c2pa.assertions/c2pa.hash.data"})

	claimCBOR, err := cbor.Marshal(claim)
	if err != nil {
		panic(err)
	}

	manifestChildren := [][]byte{
		superbox("c2pa.claim", jumbfBox("cbor", claimCBOR)),
	}
	if !opts.OmitSignature {
		manifestChildren = append(manifestChildren,
			superbox("c2pa.signature", jumbfBox("cbor", coseSign1(opts.IssuerCN))))
	}

	manifest := superbox("urn:uuid:5e7ac0f5-0000-4000-8000-000000000001", manifestChildren...)
	store := superbox("c2pa", manifest)

	var payload bytes.Buffer
	payload.WriteString("JP")
	_ = binary.Write(&payload, binary.BigEndian, uint16(1)) // En
	_ = binary.Write(&payload, binary.BigEndian, uint32(1)) // Z
	payload.Write(store)
	return markerSegment(0xeb, payload.Bytes())
}

func jumbfBox(typ string, payload []byte) []byte {
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, uint32(8+len(payload)))
	out.WriteString(typ)
	out.Write(payload)
	return out.Bytes()
}

func superbox(label string, children ...[]byte) []byte {
	var desc bytes.Buffer
	desc.Write(make([]byte, 16)) // box type UUID, unused by the parser
	desc.WriteByte(0x03)         // requestable + label present
	desc.WriteString(label)
	desc.WriteByte(0x00)

	var body bytes.Buffer
	body.Write(jumbfBox("jumd", desc.Bytes()))
	for _, child := range children {
		body.Write(child)
	}
	return jumbfBox("jumb", body.Bytes())
}

func coseSign1(issuerCN string) []byte {
	der := selfSignedCert(issuerCN)

	protected, err := cbor.Marshal(map[int]interface{}{1: -7}) // alg: ES256
	if err != nil {
		panic(err)
	}
	envelope := cbor.Tag{
		Number: 18,
		Content: []interface{}{
			protected,
			map[interface{}]interface{}{uint64(33): der}, // x5chain
			nil,
			[]byte{0x30, 0x00},
		},
	}
	data, err := cbor.Marshal(envelope)
	if err != nil {
		panic(err)
	}
	return data
}

func selfSignedCert(cn string) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	return der
}
