package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StartURL is one page opened in a background tab at startup.
type StartURL struct {
	URL string `yaml:"url"`
}

// StartURLsConfig is the top-level YAML of the start URL file.
type StartURLsConfig struct {
	URLs []StartURL `yaml:"urls"`
}

// LoadStartURLs reads the start URL file. A missing file yields no URLs and
// no error.
func LoadStartURLs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start urls config: %w", err)
	}
	var cfg StartURLsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("start urls config: %w", err)
	}
	urls := make([]string, 0, len(cfg.URLs))
	for i, u := range cfg.URLs {
		v := strings.TrimSpace(u.URL)
		if v == "" {
			return nil, fmt.Errorf("start urls config: urls[%d] missing url", i)
		}
		urls = append(urls, v)
	}
	return urls, nil
}
