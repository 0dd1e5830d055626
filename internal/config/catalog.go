package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/render"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Catalog is the seed file of server profiles and templates loaded by
// `mailpipe seed`.
type Catalog struct {
	Profiles  []models.ServerProfile `yaml:"profiles"`
	Templates []models.Template      `yaml:"templates"`
}

// LoadCatalog reads and validates a catalog file. Environment references are
// expanded first, so passwords can be written as ${SMTP_PASSWORD}. Template
// placeholders are derived from the subject, body and footer when the file
// does not list them. A profile without an id gets one derived from its name,
// or from host:port when unnamed.
func LoadCatalog(path string) (Catalog, error) {
	var cat Catalog
	data, err := os.ReadFile(path)
	if err != nil {
		return cat, fmt.Errorf("failed to read catalog: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cat); err != nil {
		return cat, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	active := 0
	ids := make(map[string]int, len(cat.Profiles))
	for i := range cat.Profiles {
		p := &cat.Profiles[i]
		if err := p.Validate(); err != nil {
			return cat, fmt.Errorf("profile %d (%s): %w", i, p.Host, err)
		}
		if p.ID == "" {
			key := p.Name
			if key == "" {
				key = p.Addr()
			}
			p.ID = util.StableProfileID(key)
		}
		if prev, ok := ids[p.ID]; ok {
			return cat, fmt.Errorf("profiles %d and %d resolve to the same id %s, give them distinct names", prev, i, p.ID)
		}
		ids[p.ID] = i
		if p.Active {
			active++
		}
	}
	if active > 1 {
		return cat, fmt.Errorf("catalog marks %d profiles active, at most one is allowed", active)
	}

	for i := range cat.Templates {
		t := &cat.Templates[i]
		if err := t.Validate(); err != nil {
			return cat, fmt.Errorf("template %d: %w", i, err)
		}
		if len(t.Placeholders) == 0 {
			t.Placeholders = render.Placeholders(t.Subject + t.Body + t.Footer)
		}
	}
	return cat, nil
}
