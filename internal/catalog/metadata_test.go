package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeWorkMetadataMigratesV1(t *testing.T) {
	raw := []byte(`{
		"title": " Chronik der Stadt ",
		"author": "Anna Muster; Karl Beispiel",
		"year": "1788?",
		"genre": "Chronik",
		"tags": ["Stadt", "stadt", ""],
		"collection": "Archiv / Bestand A"
	}`)

	got, err := DecodeWorkMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeWorkMetadata() error = %v", err)
	}
	want := WorkMetadata{
		SchemaVersion: 2,
		Title:         "Chronik der Stadt",
		Creators: []Creator{
			{Name: "Anna Muster", Role: "author"},
			{Name: "Karl Beispiel", Role: "author"},
		},
		Year:       1788,
		Taxonomy:   Taxonomy{Genre: "Chronik", Tags: []string{"Stadt"}},
		Collection: []string{"Archiv", "Bestand A"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("migration mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeWorkMetadataV1NumericYear(t *testing.T) {
	got, err := DecodeWorkMetadata([]byte(`{"title":"T","year":1808}`))
	if err != nil {
		t.Fatalf("DecodeWorkMetadata() error = %v", err)
	}
	if got.Year != 1808 {
		t.Fatalf("expected 1808, got %d", got.Year)
	}
}

func TestDecodeWorkMetadataKeepsV2(t *testing.T) {
	raw := []byte(`{"schema_version":2,"short_id":"faust","title":"Faust","creators":[{"name":"Goethe","wikidata_id":"Q5879"}],"taxonomy":{"genre":"Drama"}}`)
	got, err := DecodeWorkMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeWorkMetadata() error = %v", err)
	}
	if got.ShortID != "faust" || got.Creators[0].WikidataID != "Q5879" || got.Taxonomy.Genre != "Drama" {
		t.Fatalf("unexpected metadata %+v", got)
	}
}

func TestDecodeWorkMetadataRejectsGarbage(t *testing.T) {
	if _, err := DecodeWorkMetadata([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaultWorkMetadata(t *testing.T) {
	tests := []struct {
		dir   string
		title string
		year  int
		short string
	}{
		{dir: "Faust_Erster_Teil_1808", title: "Faust Erster Teil", year: 1808, short: "faust_erster_teil_1808-51635263"},
		{dir: "Stadtchronik (1750)", title: "Stadtchronik", year: 1750, short: "stadtchronik-1750-315991b3"},
		{dir: "Briefe-an-Lotte", title: "Briefe an Lotte", year: 0, short: "briefe-an-lotte-0f62f21d"},
		{dir: "1848", title: "1848", year: 0, short: "1848"},
		{dir: "Grüße aus Köln", title: "Grüße aus Köln", year: 0, short: "gruesse-aus-koeln-2777d72c"},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			got := DefaultWorkMetadata(tt.dir)
			if got.Title != tt.title || got.Year != tt.year || got.ShortID != tt.short {
				t.Fatalf("DefaultWorkMetadata(%q) = title %q year %d short %q", tt.dir, got.Title, got.Year, got.ShortID)
			}
			if got.SchemaVersion != CurrentSchemaVersion {
				t.Fatalf("expected schema v%d", CurrentSchemaVersion)
			}
		})
	}
}

func TestShortIDKeepsNamesApart(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "faust-1808", want: "faust-1808"},
		{name: "Faust 1808", want: "faust-1808-809c8d66"},
		{name: "Faust-1808", want: "faust-1808-63399aac"},
		{name: "Библия", want: "work-ff224190"},
		{name: "Евангелие", want: "work-f0a43cb5"},
	}
	seen := make(map[string]string)
	for _, tt := range tests {
		got := ShortID(tt.name)
		if got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.name, got, tt.want)
		}
		if other, ok := seen[got]; ok {
			t.Errorf("ShortID(%q) collides with %q on %q", tt.name, other, got)
		}
		seen[got] = tt.name
	}
}

func TestEncodeWorkMetadataAlwaysV2(t *testing.T) {
	out, err := EncodeWorkMetadata(WorkMetadata{Title: "T"})
	if err != nil {
		t.Fatalf("EncodeWorkMetadata() error = %v", err)
	}
	back, err := DecodeWorkMetadata([]byte(out))
	if err != nil {
		t.Fatalf("DecodeWorkMetadata() error = %v", err)
	}
	if back.SchemaVersion != CurrentSchemaVersion || back.Title != "T" {
		t.Fatalf("unexpected decode %+v", back)
	}
}

func TestMergeTagsSkipsDuplicates(t *testing.T) {
	got := MergeTags([]string{"Briefe", "Stadt"}, []string{"briefe", "Hafen", " ", "Hafen"})
	if diff := cmp.Diff([]string{"Briefe", "Stadt", "Hafen"}, got); diff != "" {
		t.Fatalf("MergeTags() mismatch (-want +got):\n%s", diff)
	}
}
