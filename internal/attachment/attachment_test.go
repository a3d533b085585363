package attachment

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{" → invoice.PDF ", "invoice"},
		{"- report.docx", "report"},
		{"» \"Contract.doc\"", "contract"},
		{"• 'photo.JPEG'", "photo"},
		{">> notes.txt", "notes"},
		{"archive.tar.gz", "archive.tar.gz"},
		{"data.xlsx.zip", "data.xlsx"},
		{"Plain Name", "plain name"},
		{"   ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyFor(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Invoice_Jan.pdf", "invoice_jan"},
		{"uploads/2024/Invoice_Feb.PDF", "invoice_feb"},
		{`C:\tmp\boleto.png`, "boleto"},
		{"archive.tar.gz", "archive.tar"},
		{".env", ".env"},
	}
	for _, tt := range tests {
		if got := KeyFor(tt.in); got != tt.want {
			t.Fatalf("KeyFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContainsFansOutInIndexOrder(t *testing.T) {
	ix := NewIndex[string]()
	ix.Add("invoice_jan.pdf", "blobA")
	ix.Add("invoice_feb.pdf", "blobB")
	ix.Add("receipt.pdf", "blobC")

	if got := ix.Lookup("invoice", Contains); !reflect.DeepEqual(got, []string{"blobA", "blobB"}) {
		t.Fatalf("contains = %v, want [blobA blobB]", got)
	}
	if got := ix.Lookup("invoice", Equals); len(got) != 0 {
		t.Fatalf("equals = %v, want []", got)
	}
	if got := ix.Lookup("invoice", StartsWith); !reflect.DeepEqual(got, []string{"blobA"}) {
		t.Fatalf("starts_with = %v, want [blobA]", got)
	}
	if got := ix.Lookup("_feb", EndsWith); !reflect.DeepEqual(got, []string{"blobB"}) {
		t.Fatalf("ends_with = %v, want [blobB]", got)
	}
	if got := ix.Lookup("RECEIPT.PDF", Equals); !reflect.DeepEqual(got, []string{"blobC"}) {
		t.Fatalf("equals normalized = %v, want [blobC]", got)
	}
}

func TestDuplicateKeyKeepsPosition(t *testing.T) {
	ix := NewIndex[int]()
	ix.Add("a.pdf", 1)
	ix.Add("b.pdf", 2)
	ix.Add("A.PDF", 3)
	if !reflect.DeepEqual(ix.Keys(), []string{"a", "b"}) {
		t.Fatalf("keys = %v", ix.Keys())
	}
	if got := ix.Lookup("", Contains); got != nil {
		t.Fatalf("empty ref should resolve nothing, got %v", got)
	}
	if got := ix.Lookup("a", Equals); !reflect.DeepEqual(got, []int{3}) {
		t.Fatalf("lookup a = %v, want [3]", got)
	}
	if ix.Add("→ ", 9) {
		t.Fatalf("empty key should be rejected")
	}
}

func TestResolveKeepsReferenceOrder(t *testing.T) {
	ix := NewIndex[string]()
	ix.Add("boleto_ana.pdf", "ana")
	ix.Add("boleto_bia.pdf", "bia")
	ix.Add("contrato_ana.pdf", "contrato")

	refs := SplitRefs("contrato_ana; terms.pdf, boleto_bia, missing")
	found, misses := ix.Resolve(refs, Contains, nil)
	if !reflect.DeepEqual(found, []string{"contrato", "bia"}) {
		t.Fatalf("found = %v", found)
	}
	if !reflect.DeepEqual(misses, []string{"terms.pdf", "missing"}) {
		t.Fatalf("misses = %v", misses)
	}

	onDisk := func(ref string) (string, bool) { return "disk:" + ref, ref == "terms.pdf" }
	found, misses = ix.Resolve(refs, Contains, onDisk)
	if !reflect.DeepEqual(found, []string{"contrato", "disk:terms.pdf", "bia"}) {
		t.Fatalf("found with fallback = %v", found)
	}
	if !reflect.DeepEqual(misses, []string{"missing"}) {
		t.Fatalf("misses with fallback = %v", misses)
	}
}

func TestSplitRefs(t *testing.T) {
	tests := []struct {
		in   any
		want []string
	}{
		{"a; b,c ;;", []string{"a", "b", "c"}},
		{[]any{"x.pdf", 12, nil, " "}, []string{"x.pdf", "12"}},
		{int64(7), []string{"7"}},
		{nil, nil},
		{"", nil},
	}
	for _, tt := range tests {
		if got := SplitRefs(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("SplitRefs(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseMatchMode(t *testing.T) {
	tests := map[string]MatchMode{
		"":            Contains,
		"contem":      Contains,
		"igual":       Equals,
		"comeca_com":  StartsWith,
		"termina_com": EndsWith,
		"EQUALS":      Equals,
		"bogus":       Contains,
	}
	for in, want := range tests {
		if got := ParseMatchMode(in); got != want {
			t.Fatalf("ParseMatchMode(%q) = %q, want %q", in, got, want)
		}
	}
}
