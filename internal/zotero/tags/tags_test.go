package tags

import (
	"reflect"
	"testing"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

func tag(name string, uses int) schema.Tag {
	return schema.Tag{Tag: name, Meta: schema.TagMeta{NumItems: uses}}
}

func variantNames(e Entry) []string {
	var out []string
	for _, t := range e.Zotero {
		out = append(out, t.Tag)
	}
	return out
}

func TestMakeTagList_CoalescesCaseVariants(t *testing.T) {
	list := MakeTagList([]schema.Tag{tag("History", 2), tag("history", 2)})

	entries, ok := list["h"]
	if !ok || len(entries) != 1 {
		t.Fatalf(`list["h"] = %+v, want one entry`, entries)
	}
	e := entries[0]
	if e.Token != "history" {
		t.Errorf("Token = %q, want history", e.Token)
	}
	if got, want := variantNames(e), []string{"history", "History"}; !reflect.DeepEqual(got, want) {
		t.Errorf("variants = %v, want %v", got, want)
	}
	if e.Roam == nil || len(e.Roam) != 0 {
		t.Errorf("Roam = %#v, want empty non-nil", e.Roam)
	}
}

func TestMakeTagList_VariantOrder(t *testing.T) {
	list := MakeTagList([]schema.Tag{
		tag("HOUSING", 1),
		tag("housing", 5),
		tag("Housing", 1),
	})

	e, ok := list.Lookup("Housing")
	if !ok {
		t.Fatal("Lookup(Housing) not found")
	}
	if got, want := variantNames(e), []string{"housing", "Housing", "HOUSING"}; !reflect.DeepEqual(got, want) {
		t.Errorf("variants = %v, want %v", got, want)
	}
	if e.Uses() != 7 {
		t.Errorf("Uses() = %d, want 7", e.Uses())
	}
}

func TestMakeTagList_Buckets(t *testing.T) {
	list := MakeTagList([]schema.Tag{
		tag("immigration", 3),
		tag("patient journeys", 1),
		tag("Immigrant youth", 2),
		tag("", 9),
		tag("Édition", 1),
	})

	if got, want := list.Initials(), []string{"i", "p", "é"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Initials() = %v, want %v", got, want)
	}
	var tokens []string
	for _, e := range list["i"] {
		tokens = append(tokens, e.Token)
	}
	if want := []string{"immigrant youth", "immigration"}; !reflect.DeepEqual(tokens, want) {
		t.Errorf(`tokens in "i" = %v, want %v`, tokens, want)
	}
	if len(list.Entries()) != 4 {
		t.Errorf("len(Entries()) = %d, want 4", len(list.Entries()))
	}
}

func TestMatchLocalAndStats(t *testing.T) {
	list := MakeTagList([]schema.Tag{
		tag("History", 4),
		tag("history", 1),
		tag("method", 2),
		tag("urban design", 1),
	})

	MatchLocal(list, []string{"history", "HISTORY", "Urban Design", "unrelated"})

	h, _ := list.Lookup("history")
	if want := []string{"HISTORY", "history"}; !reflect.DeepEqual(h.Roam, want) {
		t.Errorf("history Roam = %v, want %v", h.Roam, want)
	}
	m, _ := list.Lookup("method")
	if !m.Automatic() {
		t.Error("method should be automatic")
	}

	stats := ComputeStats(list)
	want := Stats{NTags: 4, NTotal: 3, NRoam: 2, NAuto: 1}
	if stats != want {
		t.Errorf("ComputeStats() = %+v, want %+v", stats, want)
	}
	if stats.AutoShare() != 0.25 {
		t.Errorf("AutoShare() = %v, want 0.25", stats.AutoShare())
	}

	// A second call replaces earlier matches.
	MatchLocal(list, nil)
	if got := ComputeStats(list); got.NRoam != 0 || got.NAuto != 4 {
		t.Errorf("after clearing local set: %+v", got)
	}
}

func TestComputeStats_Empty(t *testing.T) {
	s := ComputeStats(MakeTagList(nil))
	if s != (Stats{}) {
		t.Errorf("ComputeStats(empty) = %+v", s)
	}
	if s.AutoShare() != 0 || s.LocalShare() != 0 {
		t.Error("shares of an empty list should be zero")
	}
}
