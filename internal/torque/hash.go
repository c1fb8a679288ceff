package torque

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// DomainSpecification prefixes revision hashes. The version suffix allows the
// hashed field set to change without colliding with older hashes.
const DomainSpecification = "torque/specification/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RevisionHash returns a content hash identifying this exact revision.
//
// Strings are NFC-normalized so visually identical metadata typed on
// different stations hashes the same. Approval is excluded: approving a
// revision does not change what it specifies.
func (s Specification) RevisionHash() (string, error) {
	c := s.Clone()
	c.Approval = nil
	c.Name = norm.NFC.String(c.Name)
	c.Fastener = Fastener{
		PartNumber:  norm.NFC.String(c.Fastener.PartNumber),
		Size:        norm.NFC.String(c.Fastener.Size),
		Grade:       norm.NFC.String(c.Fastener.Grade),
		Lubrication: norm.NFC.String(c.Fastener.Lubrication),
	}

	// encoding/json emits struct fields in declaration order, which keeps the
	// byte stream stable for a given field set.
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("RevisionHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSpecification, data), nil
}
