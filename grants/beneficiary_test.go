package grants

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":             "ACME CORP",
		"  acme   corp  ":       "ACME CORP",
		"Fundación Niño Jesús":  "FUNDACION NINO JESUS",
		"ASOCIACIÓN  CULTURAL":  "ASOCIACION CULTURAL",
		"":                      "",
		"  \t \n ":              "",
		"Ayuntamiento de Cádiz": "AYUNTAMIENTO DE CADIZ",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLegalFormFromTaxID(t *testing.T) {
	cases := map[string]LegalForm{
		"12345678Z":  LegalFormNaturalPerson,
		"A28015865":  LegalFormPublicCompany,
		"B76365789":  LegalFormLimitedCo,
		"F20123456":  LegalFormCooperative,
		"G78543210":  LegalFormAssociation,
		"Q2826000H":  LegalFormPublicBody,
		"P2807900B":  LegalFormPublicBody,
		"W0184081H":  LegalFormForeign,
		"V12345678":  LegalFormOther,
		" b76365789": LegalFormLimitedCo, // trimmed and case-folded
		"":           LegalFormUnknown,
		"X1234567L":  LegalFormUnknown,
	}
	for in, want := range cases {
		if got := LegalFormFromTaxID(in); got != want {
			t.Errorf("LegalFormFromTaxID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveNames_LongestNormalizedWins(t *testing.T) {
	// GIVEN: identifier 777 observed as "Acme Corp" and "ACME CORP SL"
	// THEN: canonical is the longer normalized string, the other becomes a
	//       pseudonym

	res := ResolveNames([]string{"Acme Corp", "ACME CORP SL"})

	if res.Canonical != "ACME CORP SL" {
		t.Errorf("canonical = %q, want ACME CORP SL", res.Canonical)
	}
	if len(res.Pseudonyms) != 1 || res.Pseudonyms[0] != "Acme Corp" {
		t.Errorf("pseudonyms = %v, want [Acme Corp]", res.Pseudonyms)
	}
}

func TestResolveNames_DuplicateSpellingsCollapse(t *testing.T) {
	// "ACME  corp" and "Acme Corp" normalize identically: one observation.
	res := ResolveNames([]string{"ACME  corp", "Acme Corp", "Acme Corporation SL"})

	if res.Canonical != "Acme Corporation SL" {
		t.Errorf("canonical = %q", res.Canonical)
	}
	if len(res.Pseudonyms) != 1 {
		t.Errorf("expected 1 pseudonym, got %v", res.Pseudonyms)
	}
}

func TestResolveNames_EmptyInput(t *testing.T) {
	res := ResolveNames(nil)
	if res.Canonical != "" || len(res.Pseudonyms) != 0 {
		t.Errorf("empty input should resolve to nothing, got %+v", res)
	}
}

func TestFingerprint_SensitiveToKeyFields(t *testing.T) {
	amount := dec("1500.50")
	a := Fingerprint(1, 100, 777, amount, nil)
	if a != Fingerprint(1, 100, 777, dec("1500.50"), nil) {
		t.Error("same fields must produce the same fingerprint")
	}
	if a == Fingerprint(1, 100, 777, dec("1500.51"), nil) {
		t.Error("amount change must change the fingerprint")
	}
	if a == Fingerprint(1, 101, 777, amount, nil) {
		t.Error("call code change must change the fingerprint")
	}
}
