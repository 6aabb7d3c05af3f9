package models

import (
	"fmt"
	"io"
	"os"

	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"gopkg.in/yaml.v3"
)

// TemplateSeedFile is the YAML layout accepted by cmd/qc-template-seed.
//
//	templates:
//	  - name: Electronics Inspection
//	    category: electronics
//	    criteria:
//	      - name: Powers on
type TemplateSeedFile struct {
	Templates []TemplateSeed `yaml:"templates"`
}

type TemplateSeed struct {
	Name        string          `yaml:"name"`
	Category    string          `yaml:"category"`
	Description string          `yaml:"description"`
	Inactive    bool            `yaml:"inactive"`
	Criteria    []CriterionSeed `yaml:"criteria"`
}

type CriterionSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func LoadTemplateSeedFile(path string) ([]QualityCheckTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeTemplateSeed(f)
}

// DecodeTemplateSeed validates and normalizes every template; ids are derived from category and name.
func DecodeTemplateSeed(r io.Reader) ([]QualityCheckTemplate, error) {
	var file TemplateSeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode template seed: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]QualityCheckTemplate, 0, len(file.Templates))
	for i, seed := range file.Templates {
		active := !seed.Inactive
		t := QualityCheckTemplate{
			Name:        seed.Name,
			Category:    seed.Category,
			Description: seed.Description,
			IsActive:    &active,
		}
		for _, c := range seed.Criteria {
			t.Criteria = append(t.Criteria, QualityCheckCriterion{Name: c.Name, Description: c.Description})
		}
		if err := utils.ValidateStruct(t); err != nil {
			return nil, fmt.Errorf("templates[%d]: %w", i, err)
		}
		t.Normalize()
		if seen[t.ID] {
			return nil, fmt.Errorf("templates[%d]: duplicate template %q in category %q", i, t.Name, t.Category)
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}
