package jobs

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type targetsFile struct {
	Targets []string `yaml:"targets"`
}

// ParseTargets reads a target list. YAML documents may be a plain sequence
// or a mapping with a "targets" key; anything else is read as one target per
// line, skipping blanks and lines starting with '#'.
func ParseTargets(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []string
	if err := yaml.Unmarshal(trimmed, &list); err == nil && len(list) > 0 {
		return clean(list), nil
	}

	var doc targetsFile
	if err := yaml.Unmarshal(trimmed, &doc); err == nil && len(doc.Targets) > 0 {
		return clean(doc.Targets), nil
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, errors.Wrap(sc.Err(), "scan targets")
}

// LoadTargets reads a target list file
func LoadTargets(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read targets file %s", filepath.Base(path))
	}
	return ParseTargets(data)
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
