package main

import (
	"reflect"
	"testing"

	"github.com/osmirror/glancesync/internal/config"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"ubuntu-20", []string{"ubuntu-20"}},
		{"ubuntu-20,centos-8", []string{"ubuntu-20", "centos-8"}},
		{" ubuntu-20 , centos-8 ", []string{"ubuntu-20", "centos-8"}},
		{"ubuntu-20,,centos-8,", []string{"ubuntu-20", "centos-8"}},
	}

	for _, tt := range tests {
		got := splitList(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStoreRole(t *testing.T) {
	old := globalCfg
	defer func() { globalCfg = old }()

	globalCfg = config.DefaultConfig()
	globalCfg.Base.Master = "prague"
	globalCfg.Base.Slaves = []string{"brno", "ostrava"}

	if got := storeRole("prague"); got != "master" {
		t.Errorf("storeRole(prague) = %q", got)
	}
	if got := storeRole("ostrava"); got != "slave" {
		t.Errorf("storeRole(ostrava) = %q", got)
	}
	if got := storeRole("vienna"); got != "unused" {
		t.Errorf("storeRole(vienna) = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1 << 30, "1.0 GB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
