package metadata

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

const (
	c2paStoreLabel     = "c2pa"
	c2paClaimLabel     = "c2pa.claim"
	c2paSignatureLabel = "c2pa.signature"

	// COSE header parameter carrying the signer certificate chain.
	coseHeaderX5Chain = 33
)

// ExtractC2PA locates a C2PA manifest store in the asset and summarizes
// the active manifest: claim generator, assertion labels, signer issuer
// and whether the signature certificate chain checks out. A (nil, nil)
// return means no manifest is embedded, which is the common case and
// not an error.
func ExtractC2PA(data []byte) (out *models.C2PAManifest, extErr *ExtractionError) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			extErr = newError(KindMalformed, "c2pa", fmt.Errorf("parser fault: %v", r))
		}
	}()

	stream, err := extractJUMBF(data)
	if err != nil {
		if errors.Is(err, errNoJUMBF) {
			return nil, nil
		}
		return nil, newError(KindMalformed, "c2pa", err)
	}

	boxes, err := parseBoxStream(stream)
	if err != nil {
		return nil, newError(KindMalformed, "c2pa", err)
	}
	store := findSuperbox(boxes, c2paStoreLabel)
	if store == nil {
		// JUMBF present but not a C2PA store; some other standard's
		// payload, so no manifest for our purposes.
		return nil, nil
	}

	var manifest *jumbfBox
	for i := range store.children {
		if store.children[i].boxType == "jumb" {
			manifest = &store.children[i]
			break
		}
	}
	if manifest == nil {
		return nil, newError(KindMalformed, "c2pa", errors.New("manifest store has no manifest box"))
	}

	result := &models.C2PAManifest{ManifestLabel: manifest.label}

	claimBox := findSuperbox(manifest.children, c2paClaimLabel)
	if claimBox == nil {
		return nil, newError(KindMalformed, "c2pa", errors.New("manifest has no claim box"))
	}
	claimCBOR := contentBoxPayload(claimBox)
	if claimCBOR == nil {
		return nil, newError(KindMalformed, "c2pa", errors.New("claim box has no cbor content"))
	}

	var claim struct {
		ClaimGenerator string `cbor:"claim_generator"`
		Assertions     []struct {
			URL string `cbor:"url"`
		} `cbor:"assertions"`
	}
	if err := cbor.Unmarshal(claimCBOR, &claim); err != nil {
		return nil, newError(KindMalformed, "c2pa", fmt.Errorf("claim cbor: %w", err))
	}
	result.ClaimGenerator = claim.ClaimGenerator
	for _, a := range claim.Assertions {
		if a.URL != "" {
			result.AssertionLabels = append(result.AssertionLabels, a.URL)
		}
	}

	if sigBox := findSuperbox(manifest.children, c2paSignatureLabel); sigBox != nil {
		if coseData := contentBoxPayload(sigBox); coseData != nil {
			issuer, valid := inspectSignature(coseData)
			result.Issuer = issuer
			result.SignatureValid = valid
		}
	}
	return result, nil
}

// contentBoxPayload returns the payload of a superbox's cbor content box.
func contentBoxPayload(super *jumbfBox) []byte {
	for _, child := range super.children {
		if child.boxType == "cbor" {
			return child.payload
		}
	}
	return nil
}

// inspectSignature decodes the COSE_Sign1 envelope, pulls the x5chain
// certificates and checks the chain linkage. Verification here is the
// chain check only; anchoring against a trust list is the verifier
// service's job, not the extractor's.
func inspectSignature(coseData []byte) (issuer string, valid bool) {
	elements, ok := coseSign1Elements(coseData)
	if !ok {
		return "", false
	}

	chainValue := findX5Chain(elements)
	if chainValue == nil {
		return "", false
	}

	var ders [][]byte
	switch v := chainValue.(type) {
	case []byte:
		ders = [][]byte{v}
	case []interface{}:
		for _, item := range v {
			der, ok := item.([]byte)
			if !ok {
				return "", false
			}
			ders = append(ders, der)
		}
	default:
		return "", false
	}
	if len(ders) == 0 {
		return "", false
	}

	certs := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return "", false
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	issuer = leaf.Issuer.CommonName
	if issuer == "" {
		issuer = leaf.Subject.CommonName
	}
	if issuer == "" && len(leaf.Subject.Organization) > 0 {
		issuer = leaf.Subject.Organization[0]
	}

	if len(certs) == 1 {
		return issuer, leaf.CheckSignatureFrom(leaf) == nil
	}
	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return issuer, false
		}
	}
	return issuer, true
}

// coseSign1Elements unwraps a COSE_Sign1 structure, tagged (18) or bare.
func coseSign1Elements(data []byte) ([]interface{}, bool) {
	var tagged cbor.Tag
	if err := cbor.Unmarshal(data, &tagged); err == nil {
		if arr, ok := tagged.Content.([]interface{}); ok && len(arr) == 4 {
			return arr, true
		}
	}
	var bare []interface{}
	if err := cbor.Unmarshal(data, &bare); err == nil && len(bare) == 4 {
		return bare, true
	}
	return nil, false
}

// findX5Chain looks for the x5chain header, first in the unprotected
// header map, then in the protected header byte string.
func findX5Chain(elements []interface{}) interface{} {
	if unprotected, ok := elements[1].(map[interface{}]interface{}); ok {
		if v := lookupCOSELabel(unprotected, coseHeaderX5Chain); v != nil {
			return v
		}
	}
	if protected, ok := elements[0].([]byte); ok && len(protected) > 0 {
		var hdr map[interface{}]interface{}
		if err := cbor.Unmarshal(protected, &hdr); err == nil {
			if v := lookupCOSELabel(hdr, coseHeaderX5Chain); v != nil {
				return v
			}
		}
	}
	return nil
}

func lookupCOSELabel(m map[interface{}]interface{}, label int) interface{} {
	for k, v := range m {
		switch key := k.(type) {
		case int64:
			if key == int64(label) {
				return v
			}
		case uint64:
			if key == uint64(label) {
				return v
			}
		}
	}
	return nil
}
