package sandbox

import (
	"archive/tar"
	"io"
	"strings"
	"testing"
)

func TestSpecValidate(t *testing.T) {
	valid := Spec{
		ProjectID: "proj-1",
		ActionID:  "act-1",
		Image:     "sirpi/toolchain:latest",
		WorkDir:   "/workspace",
		Env:       []string{"TF_IN_AUTOMATION=1"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing project", func(s *Spec) { s.ProjectID = "" }},
		{"missing action", func(s *Spec) { s.ActionID = "" }},
		{"missing image", func(s *Spec) { s.Image = "" }},
		{"relative workdir", func(s *Spec) { s.WorkDir = "workspace" }},
		{"malformed env", func(s *Spec) { s.Env = []string{"NOVALUE"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := valid
			tc.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCommandValidate(t *testing.T) {
	if err := (Command{Argv: []string{"terraform", "plan"}}).Validate(); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}
	if err := (Command{}).Validate(); err == nil {
		t.Error("expected empty argv to be rejected")
	}
	if err := (Command{Argv: []string{""}}).Validate(); err == nil {
		t.Error("expected empty binary to be rejected")
	}
}

func TestTarFiles(t *testing.T) {
	files := map[string][]byte{
		"Dockerfile":           []byte("FROM scratch\n"),
		"terraform/main.tf":    []byte("resource \"x\" \"y\" {}\n"),
		"terraform/outputs.tf": []byte("output \"url\" {}\n"),
	}

	archive, err := tarFiles(files)
	if err != nil {
		t.Fatalf("failed to build archive: %v", err)
	}

	got := map[string]string{}
	var dirs []string
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read archive: %v", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			dirs = append(dirs, hdr.Name)
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("failed to read entry %s: %v", hdr.Name, err)
		}
		got[hdr.Name] = string(data)
	}

	if len(got) != len(files) {
		t.Fatalf("expected %d files, got %d", len(files), len(got))
	}
	for name, content := range files {
		if got[name] != string(content) {
			t.Errorf("content mismatch for %s", name)
		}
	}
	if len(dirs) != 1 || dirs[0] != "terraform/" {
		t.Errorf("expected a single terraform/ directory entry, got %v", dirs)
	}
}

func TestTarFilesRejectsEscapingPaths(t *testing.T) {
	for _, name := range []string{"../secrets", "/etc/passwd", "a/../../b"} {
		if _, err := tarFiles(map[string][]byte{name: nil}); err == nil {
			t.Errorf("expected path %q to be rejected", name)
		}
	}
}

func TestTarFilesDeterministicOrder(t *testing.T) {
	files := map[string][]byte{
		"b.tf": []byte("b"),
		"a.tf": []byte("a"),
		"c.tf": []byte("c"),
	}

	order := func() []string {
		archive, err := tarFiles(files)
		if err != nil {
			t.Fatalf("failed to build archive: %v", err)
		}
		var names []string
		tr := tar.NewReader(archive)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("failed to read archive: %v", err)
			}
			names = append(names, hdr.Name)
		}
		return names
	}

	first := strings.Join(order(), ",")
	for i := 0; i < 5; i++ {
		if again := strings.Join(order(), ","); again != first {
			t.Fatalf("archive order changed: %s vs %s", first, again)
		}
	}
}
