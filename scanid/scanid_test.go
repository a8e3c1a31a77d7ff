package scanid

import "testing"

func TestParseValid(t *testing.T) {
	ident, err := Parse("STUDY_SITE_0001_01_01", nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := Identifier{Study: "STUDY", Site: "SITE", Subject: "0001", Timepoint: "01", Session: "01"}
	if ident != want {
		t.Errorf("Parse() = %+v, want %+v", ident, want)
	}
}

func TestParseInvalid(t *testing.T) {
	bad := []string{
		"",
		"STUDY_SITE_0001_01",
		"STUDY_SITE_0001_01_01_01",
		"study_SITE_0001_01_01",
		"STUDY_SITE_00.01_01_01",
	}
	for _, name := range bad {
		if _, err := Parse(name, nil); err == nil {
			t.Errorf("Parse(%q) succeeded, want ParseError", name)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	names := []string{
		"STUDY_SITE_0001_01_01",
		"SPN01_CMH_0012_02_01",
		"OPT01_UT2_S0099_01_02",
		"STUDY_SITE_PHA0001_01_01",
	}
	for _, name := range names {
		ident, err := Parse(name, nil)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", name, err)
		}
		if got := ident.String(); got != name {
			t.Errorf("round trip of %q = %q", name, got)
		}
	}
}

func TestParseKCNI(t *testing.T) {
	idMap := &IDMap{
		Study: map[string]string{"ABC01": "SPN01"},
		Site:  map[string]string{"UTO": "CMH"},
	}

	ident, err := Parse("ABC01_UTO_0001_01_SE02_MR", idMap)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := Identifier{Study: "SPN01", Site: "CMH", Subject: "0001", Timepoint: "01", Session: "02"}
	if ident != want {
		t.Errorf("Parse() = %+v, want %+v", ident, want)
	}

	if got := ident.KCNI(idMap); got != "ABC01_UTO_0001_01_SE02_MR" {
		t.Errorf("KCNI() = %q, want original external form", got)
	}
}

func TestKCNIWithoutMap(t *testing.T) {
	ident, err := Parse("STUDY_SITE_0001_01_SE01_MR", nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := ident.String(); got != "STUDY_SITE_0001_01_01" {
		t.Errorf("String() = %q", got)
	}
	if got := ident.KCNI(nil); got != "STUDY_SITE_0001_01_SE01_MR" {
		t.Errorf("KCNI() = %q", got)
	}
}

func TestIsPhantom(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"STUDY_SITE_PHA_01_01", true},
		{"STUDY_SITE_PHA0001_01_01", true},
		{"STUDY_SITE_0001_01_01", false},
		// Subjects whose codes merely contain PHA are not phantoms.
		{"STUDY_SITE_ALPHA1_01_01", false},
		{"not an id", false},
	}
	for _, tt := range tests {
		if got := IsPhantom(tt.name); got != tt.want {
			t.Errorf("IsPhantom(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMangleDescription(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"T1_MPRAGE", "T1-MPRAGE"},
		{"Resting State (eyes open)", "Resting-State-eyes-open-"},
		{"Ax DTI 60+5", "Ax-DTI-60+5"},
		{"T2 1.5mm", "T2-1.5mm"},
	}
	for _, tt := range tests {
		if got := MangleDescription(tt.in); got != tt.want {
			t.Errorf("MangleDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMakeFilename(t *testing.T) {
	ident, _ := Parse("STUDY_SITE_0001_01_01", nil)
	got := MakeFilename(ident, "T1", "3", "T1_MPRAGE", ".nii.gz")
	want := "STUDY_SITE_0001_01_01_T1_03_T1-MPRAGE.nii.gz"
	if got != want {
		t.Errorf("MakeFilename() = %q, want %q", got, want)
	}
}

func TestParseFilename(t *testing.T) {
	got, err := ParseFilename("STUDY_SITE_0001_01_01_DTI-60_11_Ax-DTI-60.nii.gz")
	if err != nil {
		t.Fatalf("ParseFilename() error = %v", err)
	}
	if got.Ident.String() != "STUDY_SITE_0001_01_01" {
		t.Errorf("Ident = %q", got.Ident)
	}
	if got.Tag != "DTI-60" || got.Series != "11" || got.Description != "Ax-DTI-60" {
		t.Errorf("fields = %q %q %q", got.Tag, got.Series, got.Description)
	}

	if _, err := ParseFilename("garbage"); err == nil {
		t.Error("ParseFilename(garbage) succeeded")
	}
}

func TestMakeParseFilenameInverse(t *testing.T) {
	ident, _ := Parse("SPN01_CMH_0012_02_01", nil)
	name := MakeFilename(ident, "RST", "7", "Resting State", ".nii.gz")
	parsed, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("ParseFilename(%q) error = %v", name, err)
	}
	if parsed.Ident != ident || parsed.Tag != "RST" || parsed.Series != "07" {
		t.Errorf("inverse parse lost fields: %+v", parsed)
	}
}

func TestParseFilenameDottedDescription(t *testing.T) {
	ident, _ := Parse("STUDY_CMH_0001_01_01", nil)
	name := MakeFilename(ident, "T2", "4", "T2 1.5mm iso", ".nii.gz")
	parsed, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("ParseFilename(%q) error = %v", name, err)
	}
	if parsed.Description != "T2-1.5mm-iso" {
		t.Errorf("Description = %q, want %q", parsed.Description, "T2-1.5mm-iso")
	}
	if parsed.Ext != ".nii.gz" {
		t.Errorf("Ext = %q, want %q", parsed.Ext, ".nii.gz")
	}

	// No extension at all: the dotted description survives intact.
	bare, err := ParseFilename("STUDY_CMH_0001_01_01_T2_04_T2-1.5mm-iso")
	if err != nil {
		t.Fatalf("ParseFilename() error = %v", err)
	}
	if bare.Description != "T2-1.5mm-iso" || bare.Ext != "" {
		t.Errorf("fields = %q %q, want description intact and empty ext",
			bare.Description, bare.Ext)
	}
}

func TestNormalizeSeries(t *testing.T) {
	tests := []struct {
		raw   string
		want  string
		split bool
	}{
		{"3", "3", false},
		{"10", "10", false},
		{"103", "3", true},
		{"1012", "12", true},
		{"7 ", "7", false},
	}
	for _, tt := range tests {
		got, split := NormalizeSeries(tt.raw)
		if got != tt.want || split != tt.split {
			t.Errorf("NormalizeSeries(%q) = (%q, %v), want (%q, %v)",
				tt.raw, got, split, tt.want, tt.split)
		}
	}
}
