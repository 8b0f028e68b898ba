package seed

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed interests.yaml
var interestsYAML []byte

type interestGroup struct {
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags"`
}

type interestFile struct {
	Categories []interestGroup `yaml:"categories"`
}

// InterestVocabulary returns the curated demo interest tags, flattened in
// file order.
func InterestVocabulary() ([]string, error) {
	var file interestFile
	if err := yaml.Unmarshal(interestsYAML, &file); err != nil {
		return nil, fmt.Errorf("decode interest vocabulary: %w", err)
	}
	var tags []string
	for _, group := range file.Categories {
		tags = append(tags, group.Tags...)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("interest vocabulary is empty")
	}
	return tags, nil
}
