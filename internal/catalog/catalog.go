package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const latestTag = "latest"

// Version is one image of a browser family
type Version struct {
	Version string `yaml:"version" json:"version"`
	Image   string `yaml:"image" json:"image"`
	Latest  bool   `yaml:"latest,omitempty" json:"latest,omitempty"`
}

// Browser is a browser family available as container images
type Browser struct {
	Name     string    `yaml:"name" json:"browserName"`
	Platform string    `yaml:"platform,omitempty" json:"platform,omitempty"`
	Versions []Version `yaml:"versions" json:"versions"`
}

type file struct {
	Repository string    `yaml:"repository"`
	Browsers   []Browser `yaml:"browsers"`
}

// Catalog maps requested browser capabilities to container images
type Catalog struct {
	repository string
	browsers   []Browser
}

// Default returns the catalog used when no file is configured: the latest
// image of each browser family published under repository
func Default(repository string) *Catalog {
	families := []string{"chrome", "firefox", "opera", "edge"}
	browsers := make([]Browser, 0, len(families))
	for _, name := range families {
		browsers = append(browsers, Browser{
			Name:     name,
			Platform: "linux",
			Versions: []Version{{
				Version: latestTag,
				Image:   fmt.Sprintf("%s/%s:%s", repository, name, latestTag),
				Latest:  true,
			}},
		})
	}
	return &Catalog{repository: repository, browsers: browsers}
}

// Load reads a YAML catalog file
func Load(path, repository string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data, repository)
}

// Parse decodes a YAML catalog
func Parse(data []byte, repository string) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if f.Repository != "" {
		repository = f.Repository
	}
	for _, b := range f.Browsers {
		if b.Name == "" {
			return nil, fmt.Errorf("catalog entry without name")
		}
		for _, v := range b.Versions {
			if v.Image == "" {
				return nil, fmt.Errorf("browser %s version %s has no image", b.Name, v.Version)
			}
		}
	}
	return &Catalog{repository: repository, browsers: f.Browsers}, nil
}

// ResolveImage picks the image for a browser name, version and platform.
// An empty or "latest" version selects the family's latest image; an
// unknown version of a known family falls back to repository/name:version.
func (c *Catalog) ResolveImage(browserName, version, platform string) (string, error) {
	b, ok := c.find(browserName, platform)
	if !ok {
		return "", fmt.Errorf("browser %q is not available", browserName)
	}

	if version == "" || strings.EqualFold(version, latestTag) {
		if latest, ok := latestOf(b); ok {
			return latest.Image, nil
		}
		return fmt.Sprintf("%s/%s:%s", c.repository, strings.ToLower(b.Name), latestTag), nil
	}

	for _, v := range b.Versions {
		if v.Version == version {
			return v.Image, nil
		}
	}
	return fmt.Sprintf("%s/%s:%s", c.repository, strings.ToLower(b.Name), version), nil
}

// VersionOf reports the browser version packaged in image
func (c *Catalog) VersionOf(image string) string {
	for _, b := range c.browsers {
		for _, v := range b.Versions {
			if v.Image == image && v.Version != "" {
				return v.Version
			}
		}
	}
	if i := strings.LastIndex(image, ":"); i != -1 && !strings.Contains(image[i:], "/") {
		return image[i+1:]
	}
	return latestTag
}

// Browsers lists the catalog for the status endpoint
func (c *Catalog) Browsers() []Browser {
	out := make([]Browser, len(c.browsers))
	copy(out, c.browsers)
	return out
}

// LatestImages returns the latest image of every family
func (c *Catalog) LatestImages() []string {
	var images []string
	for _, b := range c.browsers {
		if v, ok := latestOf(b); ok {
			images = append(images, v.Image)
		}
	}
	return images
}

func (c *Catalog) find(name, platform string) (Browser, bool) {
	for _, b := range c.browsers {
		if !strings.EqualFold(b.Name, name) {
			continue
		}
		if matchesPlatform(b.Platform, platform) {
			return b, true
		}
	}
	return Browser{}, false
}

func matchesPlatform(have, want string) bool {
	if want == "" || strings.EqualFold(want, "ANY") || have == "" {
		return true
	}
	return strings.EqualFold(have, want)
}

func latestOf(b Browser) (Version, bool) {
	for _, v := range b.Versions {
		if v.Latest {
			return v, true
		}
	}
	if len(b.Versions) > 0 {
		return b.Versions[0], true
	}
	return Version{}, false
}
