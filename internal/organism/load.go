package organism

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OrganismDocument is the on-disk YAML shape for an organism definition
// (§4.18): a flat document listing listeners and security profiles, decoded
// then validated into an *Organism.
type OrganismDocument struct {
	Organism struct {
		Name string `yaml:"name"`
	} `yaml:"organism"`
	Listeners []ListenerDef      `yaml:"listeners"`
	Profiles  []ProfileDocument  `yaml:"profiles"`
	Prompts   map[string]string  `yaml:"prompts,omitempty"`
}

// ProfileDocument is the YAML shape of one security profile entry, decoded
// before its sets are translated into SecurityProfile's map form.
type ProfileDocument struct {
	Name             string   `yaml:"name"`
	LinuxUser        string   `yaml:"linux_user"`
	AllowedListeners []string `yaml:"allowed_listeners,omitempty"`
	AllowAll         bool     `yaml:"allow_all,omitempty"`
	Network          []string `yaml:"network,omitempty"`
	Retention        struct {
		Kind RetentionKind `yaml:"kind"`
		Days int           `yaml:"days,omitempty"`
	} `yaml:"retention"`
}

// LoadYAML reads and validates an organism document from path.
func LoadYAML(path string) (*Organism, map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("organism: read %s: %w", path, err)
	}
	return ParseYAML(raw)
}

// ParseYAML validates an organism document already read into memory. Split
// out from LoadYAML so Watch can re-parse on each fsnotify event without a
// redundant file read.
func ParseYAML(raw []byte) (*Organism, map[string]string, error) {
	var doc OrganismDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("organism: parse yaml: %w", err)
	}

	org := New(doc.Organism.Name)
	for _, l := range doc.Listeners {
		org.AddListener(l)
	}
	for _, pd := range doc.Profiles {
		p := &SecurityProfile{
			Name:             pd.Name,
			LinuxUser:        pd.LinuxUser,
			AllowedListeners: toSet(pd.AllowedListeners),
			AllowAll:         pd.AllowAll,
			Network:          toSet(pd.Network),
			Retention: RetentionPolicy{
				Kind: pd.Retention.Kind,
				Days: pd.Retention.Days,
			},
		}
		if err := org.AddProfile(p); err != nil {
			return nil, nil, err
		}
	}
	return org, doc.Prompts, nil
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}
