package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	return path
}

func TestLoadProviderProfiles(t *testing.T) {
	path := writeProfiles(t, `
default: primary
profiles:
  - name: primary
    base_url: https://telephony.example.com
    project_id: proj-1
    auth_token: tok-1
  - name: backup
    base_url: https://backup.example.com
    project_id: proj-2
`)

	profiles, err := LoadProviderProfiles(path)
	if err != nil {
		t.Fatalf("LoadProviderProfiles: %v", err)
	}
	if len(profiles.Profiles) != 2 {
		t.Fatalf("loaded %d profiles, want 2", len(profiles.Profiles))
	}

	p, err := profiles.Get("")
	if err != nil {
		t.Fatalf("Get default: %v", err)
	}
	if p.Name != "primary" || p.ProjectID != "proj-1" {
		t.Errorf("default profile = %+v", p)
	}

	if _, err := profiles.Get("backup"); err != nil {
		t.Errorf("Get backup: %v", err)
	}
	if _, err := profiles.Get("missing"); err == nil {
		t.Error("Get missing profile did not fail")
	}
}

func TestLoadProviderProfilesDefaultsToFirst(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  - name: only
    base_url: https://telephony.example.com
    project_id: proj-1
`)

	profiles, err := LoadProviderProfiles(path)
	if err != nil {
		t.Fatalf("LoadProviderProfiles: %v", err)
	}
	if profiles.Default != "only" {
		t.Errorf("Default = %q, want only", profiles.Default)
	}
}

func TestLoadProviderProfilesRejectsIncomplete(t *testing.T) {
	cases := map[string]string{
		"empty file": `profiles: []`,
		"missing name": `
profiles:
  - base_url: https://x.example.com
    project_id: p
`,
		"missing base_url": `
profiles:
  - name: broken
    project_id: p
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadProviderProfiles(writeProfiles(t, content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadProviderProfilesMissingFile(t *testing.T) {
	if _, err := LoadProviderProfiles(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
