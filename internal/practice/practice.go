// Package practice holds the domain types shared by the generator, the pool
// cache and the HTTP layer: PSC sections, difficulty grades, generated
// practice entries and the (section, grade) pool key.
//
// All values are immutable once built. A Catalog is constructed once at
// startup from configuration and read concurrently afterwards.
package practice

import (
	"fmt"
	"strconv"
	"strings"
)

// Grade is a difficulty level. Only GradeOne through GradeThree are valid.
type Grade int

const (
	GradeOne   Grade = 1
	GradeTwo   Grade = 2
	GradeThree Grade = 3
)

// Grades lists every valid grade in ascending order.
var Grades = []Grade{GradeOne, GradeTwo, GradeThree}

var gradeInstructions = map[Grade]string{
	GradeOne:   "Grade 1 (一级) — broadcaster/native level: use advanced formal vocabulary, complex sentence structures",
	GradeTwo:   "Grade 2 (二级) — professional level: clear everyday Mandarin, moderate complexity",
	GradeThree: "Grade 3 (三级) — baseline level: simple everyday conversational sentences",
}

// Valid reports whether g is one of the known grades.
func (g Grade) Valid() bool {
	_, ok := gradeInstructions[g]
	return ok
}

// Instruction returns the prompt fragment describing the grade. Unknown
// grades get the baseline (grade 3) fragment.
func (g Grade) Instruction() string {
	if s, ok := gradeInstructions[g]; ok {
		return s
	}
	return gradeInstructions[GradeThree]
}

// UnmarshalJSON accepts both 2 and "2"; browsers send select values as
// strings.
func (g *Grade) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("practice: invalid grade %s", b)
	}
	*g = Grade(n)
	return nil
}

// Section is one PSC exam section practice items are generated for.
type Section struct {
	// ID is the stable identifier used by the client (e.g. "lang_du").
	ID string `yaml:"id"`

	// Name is the canonical Chinese section title used in prompts.
	Name string `yaml:"name"`

	// Description tells the generator what kind of item to produce.
	Description string `yaml:"description"`

	// LongForm selects the larger token budget (paragraph reading).
	LongForm bool `yaml:"long_form"`
}

// Unit is one character of a practice item with its tone-marked pinyin.
// Punctuation has an empty P.
type Unit struct {
	C string `json:"c"`
	P string `json:"p"`
}

// Entry is one generated practice item.
type Entry struct {
	Text  string `json:"text"`
	Chars []Unit `json:"chars"`
}

// Key partitions the pool cache.
type Key struct {
	Section string
	Grade   Grade
}

// String returns the "section_grade" form used in logs and metrics.
func (k Key) String() string {
	return k.Section + "_" + strconv.Itoa(int(k.Grade))
}

// MarshalText lets Key be used as a JSON map key.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DefaultSections returns the five official PSC sections.
func DefaultSections() []Section {
	return []Section{
		{
			ID:          "dan_yin_jie",
			Name:        "单音节字词",
			Description: "A single Chinese character (one syllable). Focus on initials and finals.",
		},
		{
			ID:          "duo_yin_jie",
			Name:        "多音节词语",
			Description: "A two-to-three syllable Mandarin word or compound. Focus on tone sandhi.",
		},
		{
			ID:          "lang_du",
			Name:        "朗读短文",
			Description: "A natural Mandarin paragraph of 3-5 sentences suitable for PSC reading aloud (朗读短文). Clear, formal, standard written Chinese.",
			LongForm:    true,
		},
		{
			ID:          "ming_ti",
			Name:        "命题说话",
			Description: "A free-talk prompt question for 3-minute speech (命题说话). E.g. 请谈谈你最难忘的一次旅行",
		},
		{
			ID:          "xuan_ze",
			Name:        "选择判断",
			Description: "A short sentence containing a common Cantonese-influenced Mandarin error (选择判断). The sentence should sound plausible but contain a word usage mistake.",
		},
	}
}

// Catalog is the immutable set of configured sections.
type Catalog struct {
	sections []Section
	byID     map[string]Section
}

// NewCatalog validates sections and builds a Catalog. IDs must be non-empty
// and unique; names must be non-empty.
func NewCatalog(sections []Section) (*Catalog, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("practice: at least one section is required")
	}
	c := &Catalog{
		sections: make([]Section, len(sections)),
		byID:     make(map[string]Section, len(sections)),
	}
	copy(c.sections, sections)
	for i, s := range sections {
		if s.ID == "" {
			return nil, fmt.Errorf("practice: section[%d]: id must not be empty", i)
		}
		if s.Name == "" {
			return nil, fmt.Errorf("practice: section %q: name must not be empty", s.ID)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("practice: duplicate section id %q", s.ID)
		}
		c.byID[s.ID] = s
	}
	return c, nil
}

// Section looks up a section by ID.
func (c *Catalog) Section(id string) (Section, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Sections returns the sections in configuration order.
func (c *Catalog) Sections() []Section {
	out := make([]Section, len(c.sections))
	copy(out, c.sections)
	return out
}

// Keys returns every section × grade combination, grade-major, matching the
// order in which the pool is warmed at startup.
func (c *Catalog) Keys() []Key {
	keys := make([]Key, 0, len(c.sections)*len(Grades))
	for _, g := range Grades {
		for _, s := range c.sections {
			keys = append(keys, Key{Section: s.ID, Grade: g})
		}
	}
	return keys
}

// Resolve validates a (section, grade) pair coming from a client.
func (c *Catalog) Resolve(sectionID string, g Grade) (Key, error) {
	if _, ok := c.byID[sectionID]; !ok {
		return Key{}, fmt.Errorf("practice: unknown section %q", sectionID)
	}
	if !g.Valid() {
		return Key{}, fmt.Errorf("practice: invalid grade %d", g)
	}
	return Key{Section: sectionID, Grade: g}, nil
}
