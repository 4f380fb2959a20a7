/*
beneficiary.go - Name normalization and legal-form derivation

PURPOSE:
  Beneficiary records arrive with freely-typed display names and a tax
  identifier. This file derives the legal form from the identifier's leading
  character, normalizes names (case-fold, whitespace-collapse,
  diacritics-fold), and resolves the canonical name when the same external
  identifier has been observed under several spellings: the longest
  normalized form wins, every other observed form is retained as a Pseudonym.

SEE ALSO:
  - transform/: calls ResolveNames during beneficiary transformation
*/
package grants

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// NAME NORMALIZATION
// =============================================================================

var diacriticFolder = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeName upper-cases, folds diacritics and collapses whitespace.
// The result is the comparison key for canonical-name and pseudonym
// deduplication, never the display value.
func NormalizeName(name string) string {
	folded, _, err := transform.String(diacriticFolder, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToUpper(folded)), " ")
}

// =============================================================================
// LEGAL FORM - Fixed character-class table keyed by tax-id leading character
// =============================================================================

var legalFormByLetter = map[byte]LegalForm{
	'A': LegalFormPublicCompany,
	'B': LegalFormLimitedCo,
	'C': LegalFormPartnership,
	'D': LegalFormPartnership,
	'E': LegalFormPartnership,
	'F': LegalFormCooperative,
	'G': LegalFormAssociation,
	'H': LegalFormCommunity,
	'J': LegalFormCivilSociety,
	'N': LegalFormForeign,
	'P': LegalFormPublicBody,
	'Q': LegalFormPublicBody,
	'S': LegalFormPublicBody,
	'V': LegalFormOther,
	'W': LegalFormForeign,
}

// LegalFormFromTaxID derives the legal form from the tax identifier's
// structure. A leading digit means natural person; letters map through the
// fixed table; anything unrecognized stays unknown.
func LegalFormFromTaxID(taxID string) LegalForm {
	taxID = strings.ToUpper(strings.TrimSpace(taxID))
	if taxID == "" {
		return LegalFormUnknown
	}
	c := taxID[0]
	if c >= '0' && c <= '9' {
		return LegalFormNaturalPerson
	}
	if form, ok := legalFormByLetter[c]; ok {
		return form
	}
	return LegalFormUnknown
}

// =============================================================================
// CANONICAL NAME RESOLUTION
// =============================================================================

// NameResolution is the outcome of deduplicating observed names for one
// external identifier.
type NameResolution struct {
	Canonical     string // display form of the winning name
	CanonicalNorm string
	Pseudonyms    []string // display forms of every other distinct observation
}

// ResolveNames picks the canonical name among all observed display names for
// one beneficiary: the one whose normalized form is longest. Distinct
// normalized forms that lose become pseudonyms. Ties break toward the
// earliest observation so resolution is deterministic for a given input
// order.
func ResolveNames(observed []string) NameResolution {
	var res NameResolution
	seen := make(map[string]string) // norm -> first observed display form

	for _, name := range observed {
		n := NormalizeName(name)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; !ok {
			seen[n] = name
		}
		if len(n) > len(res.CanonicalNorm) {
			res.CanonicalNorm = n
		}
	}
	if res.CanonicalNorm == "" {
		return res
	}
	res.Canonical = seen[res.CanonicalNorm]

	emitted := make(map[string]bool)
	for _, name := range observed {
		n := NormalizeName(name)
		if n == "" || n == res.CanonicalNorm || emitted[n] {
			continue
		}
		emitted[n] = true
		res.Pseudonyms = append(res.Pseudonyms, seen[n])
	}
	return res
}
