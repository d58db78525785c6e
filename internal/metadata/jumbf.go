package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// JUMBF (ISO 19566-5) box handling for C2PA manifests embedded in JPEG
// APP11 segments. Only the framing lives here; the payloads inside the
// boxes are CBOR and X.509 and are decoded in c2pa.go.

type jumbfBox struct {
	boxType  string
	label    string // from the jumd description box, superboxes only
	payload  []byte
	children []jumbfBox
}

var errNoJUMBF = errors.New("no jumbf payload")

// extractJUMBF reassembles the JUMBF byte stream from a JPEG's APP11
// segments. Returns errNoJUMBF when the file has none (including
// non-JPEG input), which callers treat as "no manifest present".
func extractJUMBF(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return nil, errNoJUMBF
	}

	var out []byte
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xff {
			return nil, fmt.Errorf("bad marker alignment at %d", pos)
		}
		marker := data[pos+1]
		if marker == 0xd9 { // EOI
			break
		}
		if marker == 0xda { // SOS, entropy-coded data follows
			break
		}
		if pos+4 > len(data) {
			break
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return nil, fmt.Errorf("truncated segment at %d", pos)
		}
		payload := data[pos+4 : pos+2+segLen]

		// APP11 with the "JP" common identifier carries JUMBF: CI(2),
		// En(2), Z(4), then the box stream. Continuation segments
		// (Z > 1) repeat the 8-byte box header, which is stripped.
		if marker == 0xeb && len(payload) >= 16 && payload[0] == 'J' && payload[1] == 'P' {
			z := binary.BigEndian.Uint32(payload[4:8])
			if z <= 1 {
				out = append(out, payload[8:]...)
			} else {
				out = append(out, payload[16:]...)
			}
		}
		pos += 2 + segLen
	}
	if len(out) == 0 {
		return nil, errNoJUMBF
	}
	return out, nil
}

// parseBoxStream walks a sequence of ISO BMFF-style boxes.
func parseBoxStream(data []byte) ([]jumbfBox, error) {
	var boxes []jumbfBox
	pos := 0
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		boxType := string(data[pos+4 : pos+8])
		if length < 8 || pos+length > len(data) {
			return nil, fmt.Errorf("bad box length %d for %q at %d", length, boxType, pos)
		}
		body := data[pos+8 : pos+length]

		box := jumbfBox{boxType: boxType, payload: body}
		if boxType == "jumb" {
			children, err := parseBoxStream(body)
			if err != nil {
				return nil, err
			}
			if len(children) == 0 || children[0].boxType != "jumd" {
				return nil, fmt.Errorf("superbox at %d missing description box", pos)
			}
			box.label = descriptionLabel(children[0].payload)
			box.children = children[1:]
		}
		boxes = append(boxes, box)
		pos += length
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after box stream", len(data)-pos)
	}
	return boxes, nil
}

// descriptionLabel reads the optional null-terminated label out of a
// jumd box payload: 16-byte type UUID, 1 toggle byte, label when toggle
// bit 1 is set.
func descriptionLabel(payload []byte) string {
	if len(payload) < 17 {
		return ""
	}
	toggles := payload[16]
	if toggles&0x02 == 0 {
		return ""
	}
	rest := payload[17:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}

// findSuperbox returns the first child superbox with the given label.
func findSuperbox(boxes []jumbfBox, label string) *jumbfBox {
	for i := range boxes {
		if boxes[i].boxType == "jumb" && boxes[i].label == label {
			return &boxes[i]
		}
	}
	return nil
}
