package main

import (
	"testing"

	"github.com/petems/tapnote/internal/source"
)

func TestPick(t *testing.T) {
	sources := []source.AudioSource{
		source.AllApplications(),
		{ID: "pid:80", Name: "Google Chrome", Kind: source.KindProcess, BundleID: "com.google.Chrome"},
		{ID: "pid:81", Name: "Google Chrome Helper", Kind: source.KindProcess, BundleID: "com.google.Chrome.helper"},
	}

	tests := []struct {
		query string
		want  string
	}{
		{"*", "*"},
		{"pid:81", "pid:81"},
		{"COM.GOOGLE.CHROME", "pid:80"},
		{"google chrome helper", "pid:81"},
	}
	for _, tt := range tests {
		got, err := pick(tt.query, sources)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.query, err)
			continue
		}
		if got.ID != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.query, tt.want, got.ID)
		}
	}

	if got, err := pick("default", sources); err != nil || got != nil {
		t.Errorf("expected default to clear the selection, got %+v %v", got, err)
	}
	if _, err := pick("Safari", sources); err == nil {
		t.Error("expected an unknown source to fail")
	}
}
