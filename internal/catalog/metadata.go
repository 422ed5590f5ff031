package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const CurrentSchemaVersion = 2

type Creator struct {
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	WikidataID string `json:"wikidata_id,omitempty"`
}

type Taxonomy struct {
	Genre string   `json:"genre,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// WorkMetadata is the v2 work record. Older layouts are migrated by
// DecodeWorkMetadata and never written back in their original form.
type WorkMetadata struct {
	SchemaVersion int       `json:"schema_version"`
	ShortID       string    `json:"short_id"`
	Title         string    `json:"title"`
	Creators      []Creator `json:"creators,omitempty"`
	Year          int       `json:"year,omitempty"`
	Language      string    `json:"language,omitempty"`
	Taxonomy      Taxonomy  `json:"taxonomy"`
	Collection    []string  `json:"collection,omitempty"`
}

// CreatorNames lists creator names in record order.
func (m WorkMetadata) CreatorNames() []string {
	names := make([]string, 0, len(m.Creators))
	for _, c := range m.Creators {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	return names
}

type metadataV1 struct {
	ShortID    string          `json:"short_id"`
	Title      string          `json:"title"`
	Author     string          `json:"author"`
	Year       json.RawMessage `json:"year"`
	Language   string          `json:"language"`
	Genre      string          `json:"genre"`
	Tags       []string        `json:"tags"`
	Collection string          `json:"collection"`
}

// DecodeWorkMetadata parses either schema and returns the v2 form.
func DecodeWorkMetadata(raw []byte) (WorkMetadata, error) {
	var version struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &version); err != nil {
		return WorkMetadata{}, fmt.Errorf("parse metadata: %w", err)
	}

	if version.SchemaVersion >= CurrentSchemaVersion {
		var meta WorkMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return WorkMetadata{}, fmt.Errorf("parse v%d metadata: %w", version.SchemaVersion, err)
		}
		return meta, nil
	}

	var legacy metadataV1
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return WorkMetadata{}, fmt.Errorf("parse v1 metadata: %w", err)
	}
	meta := WorkMetadata{
		SchemaVersion: CurrentSchemaVersion,
		ShortID:       legacy.ShortID,
		Title:         strings.TrimSpace(legacy.Title),
		Year:          parseYear(legacy.Year),
		Language:      legacy.Language,
		Taxonomy: Taxonomy{
			Genre: strings.TrimSpace(legacy.Genre),
			Tags:  normalizeTags(legacy.Tags),
		},
	}
	for _, name := range splitAuthors(legacy.Author) {
		meta.Creators = append(meta.Creators, Creator{Name: name, Role: "author"})
	}
	if collection := strings.TrimSpace(legacy.Collection); collection != "" {
		for _, part := range strings.Split(collection, "/") {
			if part = strings.TrimSpace(part); part != "" {
				meta.Collection = append(meta.Collection, part)
			}
		}
	}
	return meta, nil
}

// EncodeWorkMetadata renders metadata.json content, always as v2.
func EncodeWorkMetadata(meta WorkMetadata) (string, error) {
	meta.SchemaVersion = CurrentSchemaVersion
	meta.Taxonomy.Tags = normalizeTags(meta.Taxonomy.Tags)
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(payload) + "\n", nil
}

var trailingYear = regexp.MustCompile(`^(.*?)[\s_\-.,(]*((?:1[0-9]|20)[0-9]{2})\)?$`)

// DefaultWorkMetadata synthesizes a record from a directory name such as
// "Faust_Erster_Teil_1808".
func DefaultWorkMetadata(dirName string) WorkMetadata {
	title := dirName
	year := 0
	if m := trailingYear.FindStringSubmatch(dirName); m != nil && strings.TrimSpace(m[1]) != "" {
		title = m[1]
		year, _ = strconv.Atoi(m[2])
	}
	title = strings.Join(strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(title)), " ")
	if title == "" {
		title = dirName
	}
	return WorkMetadata{
		SchemaVersion: CurrentSchemaVersion,
		ShortID:       ShortID(dirName),
		Title:         title,
		Year:          year,
		Taxonomy:      Taxonomy{},
	}
}

// ShortID reduces a name to the [a-z0-9_-] alphabet search engines accept as
// document ids. Names that do not survive the reduction unchanged get a short
// hash of the original appended, so distinct names keep distinct ids.
func ShortID(name string) string {
	slug := slugify(name)
	if slug == name {
		return slug
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:4])
	if slug == "" {
		return "work-" + suffix
	}
	return slug + "-" + suffix
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == 'ä':
			b.WriteString("ae")
			lastDash = false
		case r == 'ö':
			b.WriteString("oe")
			lastDash = false
		case r == 'ü':
			b.WriteString("ue")
			lastDash = false
		case r == 'ß':
			b.WriteString("ss")
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func parseYear(raw json.RawMessage) int {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0
	}
	if len(text) > 4 {
		text = text[:4]
	}
	year, err := strconv.Atoi(text)
	if err != nil {
		return 0
	}
	return year
}

func splitAuthors(author string) []string {
	author = strings.TrimSpace(author)
	if author == "" {
		return nil
	}
	parts := strings.Split(author, ";")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

// MergeTags appends added to tags, skipping any tag already present in
// either list regardless of case.
func MergeTags(tags, added []string) []string {
	merged := make([]string, 0, len(tags)+len(added))
	merged = append(merged, tags...)
	return normalizeTags(append(merged, added...))
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[strings.ToLower(tag)] {
			continue
		}
		seen[strings.ToLower(tag)] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
