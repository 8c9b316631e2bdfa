package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var frontMatterDelim = []byte("---")

// ParseDocument reads a policy file. An optional YAML front matter block
// delimited by "---" lines sets id, title, plan_id and drug_id; the id
// defaults to fallbackID.
func ParseDocument(data []byte, fallbackID string) (Document, error) {
	doc := Document{ID: fallbackID}
	body := data

	trimmed := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if bytes.HasPrefix(trimmed, frontMatterDelim) {
		rest := trimmed[len(frontMatterDelim):]
		end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
		if end < 0 {
			return Document{}, fmt.Errorf("%s: unterminated front matter", fallbackID)
		}
		if err := yaml.Unmarshal(rest[:end], &doc); err != nil {
			return Document{}, fmt.Errorf("%s: front matter: %w", fallbackID, err)
		}
		body = rest[end+1+len(frontMatterDelim):]
		if doc.ID == "" {
			doc.ID = fallbackID
		}
	}

	doc.Text = strings.TrimSpace(string(body))
	return doc, nil
}

// LoadDirectory reads every .md and .txt file in dir, sorted by name so the
// insertion order is stable between runs.
func LoadDirectory(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".md", ".txt":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		doc, err := ParseDocument(data, strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
