package polljobs

import "testing"

func TestResolveResolution(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		enabled []string
		want    string
	}{
		{"enabled choice", "1280x720", []string{"1024x1024", "1280x720"}, "1280x720"},
		{"disabled choice falls back to first enabled", "1920x1080", []string{"720x720", "1024x1024"}, "720x720"},
		{"empty choice", "", []string{"720x1280"}, "720x1280"},
		{"nothing enabled", "1280x720", nil, "1024x1024"},
		{"enabled id missing from presets", "bogus", []string{"bogus"}, "1024x1024"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveResolution(tt.id, tt.enabled); got.ID != tt.want {
				t.Fatalf("ResolveResolution(%q, %v) = %s, want %s", tt.id, tt.enabled, got.ID, tt.want)
			}
		})
	}
}

func TestResolutionSize(t *testing.T) {
	r, ok := ResolutionByID("1080x1920")
	if !ok {
		t.Fatal("preset missing")
	}
	if r.Size() != "1080x1920" || r.Width != 1080 || r.Height != 1920 {
		t.Fatalf("preset = %+v size %s", r, r.Size())
	}
}

func TestModelCatalog(t *testing.T) {
	if DefaultModelID() != "Tongyi-MAI/Z-Image-Turbo" {
		t.Fatalf("default model = %s", DefaultModelID())
	}
	m, ok := ModelByID("black-forest-labs/FLUX.2-dev")
	if !ok || !m.SupportsImageInput {
		t.Fatalf("FLUX model = %+v, %v", m, ok)
	}
	if _, ok := ModelByID("nope"); ok {
		t.Fatal("unknown model found")
	}
}

func TestEnabledResolutionsDefault(t *testing.T) {
	if got := EnabledResolutions(nil); len(got) != 1 || got[0] != "1024x1024" {
		t.Errorf("EnabledResolutions(nil) = %v, want [1024x1024]", got)
	}
	in := []string{"1280x720", "720x1280"}
	if got := EnabledResolutions(in); len(got) != 2 || got[0] != "1280x720" {
		t.Errorf("EnabledResolutions(%v) = %v", in, got)
	}
}
