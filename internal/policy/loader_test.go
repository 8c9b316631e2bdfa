package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDocumentFrontMatter(t *testing.T) {
	doc, err := ParseDocument([]byte("---\ntitle: GLP-1 criteria\nplan_id: BCBS_CA\ndrug_id: Ozempic\n---\nBMI of 30 or greater.\n"), "glp1")
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if doc.ID != "glp1" || doc.PlanID != "BCBS_CA" || doc.DrugID != "Ozempic" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.Text != "BMI of 30 or greater." {
		t.Errorf("Text = %q", doc.Text)
	}
}

func TestParseDocumentWithoutFrontMatter(t *testing.T) {
	doc, err := ParseDocument([]byte("  Plain policy text.\n"), "plain")
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	if doc.ID != "plain" || doc.Text != "Plain policy text." {
		t.Errorf("doc = %+v", doc)
	}
}

func TestParseDocumentUnterminated(t *testing.T) {
	if _, err := ParseDocument([]byte("---\ntitle: x\nbody"), "bad"); err == nil {
		t.Error("expected an error for unterminated front matter")
	}
}

func TestLoadDirectorySortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.md":       "second",
		"a.txt":      "first",
		"notes.json": "{}",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.md"), 0o755); err != nil {
		t.Fatal(err)
	}

	docs, err := LoadDirectory(dir)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Fatalf("docs = %+v", docs)
	}
}
