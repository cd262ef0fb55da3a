package validation

import (
	"reflect"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    []string
		wantErr bool
	}{
		{name: "simple", path: "/ocpp/CP001", want: []string{"ocpp", "CP001"}},
		{name: "collapses double slash", path: "/ocpp//CP001/", want: []string{"ocpp", "CP001"}},
		{name: "percent decode", path: "/ocpp/CP%20001", want: []string{"ocpp", "CP 001"}},
		{name: "empty", path: "/", want: nil},
		{name: "bad encoding", path: "/ocpp/%zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err == nil && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("NormalizePath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestExtractIdentity(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/ocpp/CP001", want: "CP001"},
		{path: "/a/b/c/CP%2F002", want: "CP/002"},
		{path: "/", wantErr: true},
		{path: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ExtractIdentity(tt.path)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ExtractIdentity(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ExtractIdentity(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
