package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

var knownProducts = map[string]string{
	"monterey":  "Quest 1",
	"hollywood": "Quest 2",
	"seacliff":  "Quest Pro",
	"eureka":    "Quest 3",
	"panther":   "Quest 3S",
}

// DefaultProducts lists the product codes recognized when none are configured.
var DefaultProducts = []string{"monterey", "hollywood", "seacliff", "eureka", "panther"}

// Products maps recognized product codes to friendly names.
type Products map[string]string

func NewProducts(codes []string) Products {
	if len(codes) == 0 {
		codes = DefaultProducts
	}

	products := make(Products, len(codes))
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		name, ok := knownProducts[code]
		if !ok {
			name = code
		}
		products[code] = name
	}
	return products
}

// Lookup returns the friendly name of a recognized product code.
func (p Products) Lookup(code string) (string, bool) {
	name, ok := p[strings.ToLower(code)]
	return name, ok
}

// HashedID derives the stable, non-reversible identifier shown in place of
// the hardware serial.
func HashedID(trueSerial string) string {
	sum := sha256.Sum256([]byte(trueSerial))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:16]
}
