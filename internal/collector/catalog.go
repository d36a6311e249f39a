package collector

import (
	"bytes"
	"embed"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed sources.yaml
var sourcesYAML []byte

//go:embed templates/*.tmpl
var templateFS embed.FS

// Entity is one sub-entity of a source: a state, region, subsidiary,
// plan type, payer or medication.
type Entity struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Details string `yaml:"details"`
	// Effective overrides the source's effective date (YYYY-MM-DD).
	Effective string `yaml:"effective"`
}

// Source describes one source family in the catalog.
type Source struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Template         string `yaml:"template"`
	Payer            string `yaml:"payer"`
	Medication       string `yaml:"medication"`
	SourceName       string `yaml:"source_name"`
	DefaultURL       string `yaml:"default_url"`
	MinContentChars  int    `yaml:"min_content_chars"`
	EstimatedMinutes int    `yaml:"estimated_minutes"`
	// Effective is the publication date of the standard template text
	// (YYYY-MM-DD). Template documents carry it instead of the render date,
	// so an unchanged template hashes the same on every run.
	Effective string   `yaml:"effective"`
	Entities  []Entity `yaml:"entities"`

	effective                                       map[string]time.Time
	payerTmpl, medTmpl, nameTmpl, urlTmpl, bodyTmpl *template.Template
}

// Catalog is the parsed set of sources in declaration order.
type Catalog struct {
	Sources []*Source `yaml:"sources"`
}

// templateData is what name, URL and body templates render against.
type templateData struct {
	Entity     string
	Lower      string
	Query      string
	Slug       string
	Details    string
	Date       string
	NextReview string
}

var slugRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// defaultEffective dates templates whose source sets no effective date.
var defaultEffective = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTemplateData(e Entity, effective time.Time) templateData {
	return templateData{
		Entity:     e.Name,
		Lower:      strings.ToLower(e.Name),
		Query:      url.QueryEscape(e.Name),
		Slug:       strings.ToUpper(strings.Trim(slugRe.ReplaceAllString(e.Name, "_"), "_")),
		Details:    e.Details,
		Date:       effective.Format(time.DateOnly),
		NextReview: effective.AddDate(1, 0, 0).Format(time.DateOnly),
	}
}

// LoadCatalog parses the embedded source catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(sourcesYAML)
}

// ParseCatalog parses a catalog document and compiles its templates.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, eris.Wrap(err, "collector: parse catalog")
	}

	seen := make(map[string]bool, len(cat.Sources))
	for _, s := range cat.Sources {
		if s.ID == "" {
			return nil, eris.New("collector: source without id")
		}
		if seen[s.ID] {
			return nil, eris.Errorf("collector: duplicate source %q", s.ID)
		}
		seen[s.ID] = true
		if err := s.compile(); err != nil {
			return nil, err
		}
	}
	return &cat, nil
}

// Get returns the source with id, or nil.
func (c *Catalog) Get(id string) *Source {
	for _, s := range c.Sources {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (s *Source) compile() error {
	var err error
	parse := func(field, text string) *template.Template {
		if err != nil {
			return nil
		}
		var t *template.Template
		t, err = template.New(s.ID + "." + field).Parse(text)
		if err != nil {
			err = eris.Wrapf(err, "collector: %s %s template", s.ID, field)
		}
		return t
	}
	s.payerTmpl = parse("payer", s.Payer)
	s.medTmpl = parse("medication", s.Medication)
	s.nameTmpl = parse("source_name", s.SourceName)
	s.urlTmpl = parse("default_url", s.DefaultURL)
	if err != nil {
		return err
	}

	if s.Template == "" {
		return eris.Errorf("collector: source %q has no template", s.ID)
	}
	body, readErr := templateFS.ReadFile("templates/" + s.Template)
	if readErr != nil {
		return eris.Wrapf(readErr, "collector: read template for %s", s.ID)
	}
	s.bodyTmpl = parse("body", string(body))
	if err != nil {
		return err
	}
	return s.compileEffective()
}

// compileEffective resolves the effective date of every entity.
func (s *Source) compileEffective() error {
	base := defaultEffective
	if s.Effective != "" {
		t, err := time.Parse(time.DateOnly, s.Effective)
		if err != nil {
			return eris.Wrapf(err, "collector: %s effective date", s.ID)
		}
		base = t
	}
	s.effective = make(map[string]time.Time, len(s.Entities))
	for _, e := range s.Entities {
		d := base
		if e.Effective != "" {
			t, err := time.Parse(time.DateOnly, e.Effective)
			if err != nil {
				return eris.Wrapf(err, "collector: %s/%s effective date", s.ID, e.Name)
			}
			d = t
		}
		s.effective[e.Name] = d
	}
	return nil
}

// EffectiveDate returns the template effective date for e.
func (s *Source) EffectiveDate(e Entity) time.Time {
	if d, ok := s.effective[e.Name]; ok {
		return d
	}
	if s.Effective != "" {
		if t, err := time.Parse(time.DateOnly, s.Effective); err == nil {
			return t
		}
	}
	return defaultEffective
}

func execute(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", eris.Wrapf(err, "collector: render %s", t.Name())
	}
	return strings.TrimSpace(buf.String()), nil
}

// EntityURL returns the live URL for e, if any.
func (s *Source) EntityURL(e Entity) (string, error) {
	if e.URL != "" {
		return e.URL, nil
	}
	if s.DefaultURL == "" {
		return "", nil
	}
	return execute(s.urlTmpl, newTemplateData(e, s.EffectiveDate(e)))
}

// identity renders payer, medication and source name for e.
func (s *Source) identity(data templateData) (payer, medication, name string, err error) {
	if payer, err = execute(s.payerTmpl, data); err != nil {
		return
	}
	if medication, err = execute(s.medTmpl, data); err != nil {
		return
	}
	name, err = execute(s.nameTmpl, data)
	return
}
