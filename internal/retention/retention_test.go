package retention

import (
	"reflect"
	"testing"
	"time"
)

func cand(id string, minuteOffset int) Candidate {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return Candidate{ID: id, Timestamp: base.Add(time.Duration(minuteOffset) * time.Minute)}
}

func TestSelectForDeletion(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		keep       int
		want       []string
	}{
		{
			name:       "under limit",
			candidates: []Candidate{cand("a", 0), cand("b", 1)},
			keep:       5,
			want:       nil,
		},
		{
			name:       "at limit",
			candidates: []Candidate{cand("a", 0), cand("b", 1)},
			keep:       2,
			want:       nil,
		},
		{
			name:       "oldest selected first",
			candidates: []Candidate{cand("new", 10), cand("old", 0), cand("mid", 5)},
			keep:       1,
			want:       []string{"old", "mid"},
		},
		{
			name:       "unlimited keep",
			candidates: []Candidate{cand("a", 0), cand("b", 1), cand("c", 2)},
			keep:       Unlimited,
			want:       nil,
		},
		{
			name:       "keep zero deletes all",
			candidates: []Candidate{cand("b", 1), cand("a", 0)},
			keep:       0,
			want:       []string{"a", "b"},
		},
		{
			name:       "empty input",
			candidates: nil,
			keep:       0,
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectForDeletion(tt.candidates, tt.keep)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SelectForDeletion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectForDeletion_UnparsedSortFirst(t *testing.T) {
	candidates := []Candidate{
		cand("parsed-old", 0),
		{ID: "junk", Timestamp: time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC), Unparsed: true},
		cand("parsed-new", 10),
	}

	got := SelectForDeletion(candidates, 2)
	want := []string{"junk"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectForDeletion() = %v, want %v", got, want)
	}
}

func TestSelectForDeletion_DoesNotMutateInput(t *testing.T) {
	candidates := []Candidate{cand("b", 1), cand("a", 0)}
	SelectForDeletion(candidates, 0)
	if candidates[0].ID != "b" {
		t.Errorf("input slice reordered")
	}
}
