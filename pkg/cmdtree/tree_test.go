package cmdtree

import (
	"reflect"
	"sort"
	"strings"
	"testing"
)

var testIfaces = []string{"eth0", "wlan0"}

func TestCompleteTopLevel(t *testing.T) {
	got := CompleteFromTree(OperationalTree, nil, "s", testIfaces)
	sort.Strings(got)
	want := []string{"session", "show"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("complete \"s\" = %v, want %v", got, want)
	}
}

func TestCompleteShowSubcommands(t *testing.T) {
	got := CompleteFromTree(OperationalTree, []string{"show"}, "", testIfaces)
	sort.Strings(got)
	want := []string{"counters", "events", "interfaces", "leases", "neighbors", "prefixes", "status"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("complete \"show \" = %v, want %v", got, want)
	}
}

func TestCompleteInterfaceValues(t *testing.T) {
	got := CompleteFromTree(OperationalTree, []string{"show", "interfaces"}, "wl", testIfaces)
	want := []string{"wlan0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("complete \"show interfaces wl\" = %v, want %v", got, want)
	}
}

func TestCompleteSessionConfirm(t *testing.T) {
	got := CompleteFromTree(OperationalTree, []string{"session", "confirm"}, "", testIfaces)
	sort.Strings(got)
	if !reflect.DeepEqual(got, testIfaces) {
		t.Errorf("complete \"session confirm \" = %v, want %v", got, testIfaces)
	}
}

func TestCompleteUnknownWord(t *testing.T) {
	if got := CompleteFromTree(OperationalTree, []string{"bogus"}, "", testIfaces); got != nil {
		t.Errorf("complete after unknown word = %v, want nil", got)
	}
}

func TestCompleteWithDesc(t *testing.T) {
	got := CompleteFromTreeWithDesc(OperationalTree, []string{"show"}, "lea", testIfaces)
	if len(got) != 1 || got[0].Name != "leases" || got[0].Desc == "" {
		t.Errorf("complete with desc = %+v", got)
	}
}

func TestLookupDesc(t *testing.T) {
	if d := LookupDesc(nil, "show"); d != "Show information" {
		t.Errorf("LookupDesc(show) = %q", d)
	}
	if d := LookupDesc([]string{"show"}, "leases"); d != "Show DHCPv4 leases" {
		t.Errorf("LookupDesc(show leases) = %q", d)
	}
	if d := LookupDesc([]string{"nope"}, "x"); d != "" {
		t.Errorf("LookupDesc(unknown) = %q", d)
	}
}

func TestCommonPrefix(t *testing.T) {
	tests := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"show"}, "show"},
		{[]string{"status", "stop", "start"}, "st"},
		{[]string{"abc", "xyz"}, ""},
	}
	for _, tt := range tests {
		if got := CommonPrefix(tt.items); got != tt.want {
			t.Errorf("CommonPrefix(%v) = %q, want %q", tt.items, got, tt.want)
		}
	}
}

func TestWriteHelpAligned(t *testing.T) {
	var sb strings.Builder
	WriteHelp(&sb, []Candidate{
		{Name: "b", Desc: "second"},
		{Name: "a", Desc: "first"},
	})
	out := sb.String()
	if !strings.HasPrefix(out, "Possible completions:\n") {
		t.Errorf("missing header in %q", out)
	}
	if strings.Index(out, "a ") > strings.Index(out, "b ") {
		t.Error("candidates not sorted")
	}
}
