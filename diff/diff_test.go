package diff

import (
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

func lines(texts ...string) []Line {
	out := make([]Line, len(texts))
	for i, t := range texts {
		out[i] = Line{ID: NewID(), Text: t}
	}
	return out
}

func TestDiff(t *testing.T) {
	base := lines("hello", "world", "again")
	tests := []struct {
		name  string
		old   []Line
		new   []string
		kinds []ChangeKind
		index []int
	}{
		{"identical", base, []string{"hello", "world", "again"}, nil, nil},
		{"update last", base, []string{"hello", "world", "again!"}, []ChangeKind{KindUpdate}, []int{2}},
		{"append", base, []string{"hello", "world", "again", "more"}, []ChangeKind{KindAdd}, []int{3}},
		{"truncate", base, []string{"hello"}, []ChangeKind{KindDelete, KindDelete}, []int{1, 2}},
		{"from empty", nil, []string{"a", "b"}, []ChangeKind{KindAdd, KindAdd}, []int{0, 1}},
		{"to empty", base, nil, []ChangeKind{KindDelete, KindDelete, KindDelete}, []int{0, 1, 2}},
		{"insert in middle shifts", base, []string{"hello", "new", "world", "again"},
			[]ChangeKind{KindUpdate, KindUpdate, KindAdd}, []int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := Diff(tt.old, Reconcile(tt.old, strings.Join(tt.new, "\n"), NewID)[:len(tt.new)])
			if len(changes) != len(tt.kinds) {
				t.Fatalf("got %d changes %v, want %d", len(changes), changes, len(tt.kinds))
			}
			for i, c := range changes {
				if c.Kind != tt.kinds[i] || c.Index != tt.index[i] {
					t.Errorf("change %d = %v, want %s at %d", i, c, tt.kinds[i], tt.index[i])
				}
			}
		})
	}
}

func TestDiff_DeleteKeyedByID(t *testing.T) {
	old := lines("a", "b", "c")
	changes := Diff(old, old[:1])
	if len(changes) != 2 {
		t.Fatalf("got %v", changes)
	}
	if changes[0].LineID != old[1].ID || changes[1].LineID != old[2].ID {
		t.Errorf("deletes not keyed by identity: %v", changes)
	}
}

func TestDiff_Idempotent(t *testing.T) {
	a := lines("one", "two", "", "three")
	if got := Diff(a, a); len(got) != 0 {
		t.Errorf("Diff(a, a) = %v, want empty", got)
	}
	if got := Diff(nil, nil); len(got) != 0 {
		t.Errorf("Diff(nil, nil) = %v, want empty", got)
	}
}

func TestApply_SingleLineEdit(t *testing.T) {
	local := lines("hello", "world")
	edited := Clone(local)
	edited[1].Text = "world!"

	changes := Diff(local, edited)
	if len(changes) != 1 || changes[0].Kind != KindUpdate || changes[0].Index != 1 || changes[0].Line.Text != "world!" {
		t.Fatalf("unexpected changes: %v", changes)
	}

	peer := Clone(local)
	got := Texts(Apply(peer, changes))
	if want := []string{"hello", "world!"}; !reflect.DeepEqual(got, want) {
		t.Errorf("peer = %v, want %v", got, want)
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	a := lines("a", "b")
	b := lines("a", "x", "y")
	before := Clone(a)
	Apply(a, Diff(a, b))
	if !reflect.DeepEqual(a, before) {
		t.Errorf("input mutated: %v", a)
	}
}

func TestApply_DeleteFallsBackToIndex(t *testing.T) {
	a := lines("a", "b", "c")
	got := Apply(a, []Change{Delete(1, "unknown")})
	if want := []string{"a", "c"}; !reflect.DeepEqual(Texts(got), want) {
		t.Errorf("got %v, want %v", Texts(got), want)
	}
}

func TestApply_DeleteAfterRemoteShift(t *testing.T) {
	// The peer has an extra line in front; delete by identity still finds it.
	a := lines("a", "b", "c")
	peer := append([]Line{{ID: NewID(), Text: "front"}}, Clone(a)...)
	got := Apply(peer, []Change{Delete(1, a[1].ID)})
	if want := []string{"front", "a", "c"}; !reflect.DeepEqual(Texts(got), want) {
		t.Errorf("got %v, want %v", Texts(got), want)
	}
}

func TestApply_DeleteWithReusedID(t *testing.T) {
	tests := []struct {
		name string
		a, b []Line
	}{
		{
			name: "update takes the deleted line's id",
			a:    []Line{{ID: "1", Text: "a"}, {ID: "2", Text: "b"}},
			b:    []Line{{ID: "2", Text: "c"}},
		},
		{
			name: "trailing delete past the end",
			a:    []Line{{ID: "1", Text: "a"}, {ID: "2", Text: "b"}, {ID: "3", Text: "c"}},
			b:    []Line{{ID: "3", Text: "x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.a, Diff(tt.a, tt.b))
			if !reflect.DeepEqual(got, tt.b) {
				t.Errorf("got %v, want %v", got, tt.b)
			}
		})
	}
}

func TestDiffApply_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	words := []string{"", "a", "b", "todo", "done", "x y z"}
	randomLines := func(newID func() string) []Line {
		n := r.Intn(8)
		out := make([]Line, n)
		for i := range out {
			out[i] = Line{ID: newID(), Text: words[r.Intn(len(words))]}
		}
		return out
	}
	pool := func() string { return strconv.Itoa(r.Intn(4)) }

	for _, gen := range []struct {
		name  string
		newID func() string
	}{
		{"unique ids", NewID},
		{"shared ids", pool},
	} {
		t.Run(gen.name, func(t *testing.T) {
			for i := 0; i < 500; i++ {
				a, b := randomLines(gen.newID), randomLines(gen.newID)
				got := Apply(a, Diff(a, b))
				if !reflect.DeepEqual(Texts(got), Texts(b)) {
					t.Fatalf("apply(diff(%v, %v)) = %v", a, b, got)
				}
			}
		})
	}
}

func TestReconcile_KeepsIdentityByPosition(t *testing.T) {
	prev := lines("a", "b")
	got := Reconcile(prev, "a\nB\nc", NewID)
	if len(got) != 3 {
		t.Fatalf("got %d lines", len(got))
	}
	if got[0].ID != prev[0].ID || got[1].ID != prev[1].ID {
		t.Error("existing identities not preserved")
	}
	if got[2].ID == "" || got[2].ID == prev[0].ID || got[2].ID == prev[1].ID {
		t.Errorf("new line got id %q", got[2].ID)
	}
	if Join(got) != "a\nB\nc" {
		t.Errorf("Join = %q", Join(got))
	}
}

func TestSplitJoin(t *testing.T) {
	for _, s := range []string{"", "one", "one\ntwo", "trailing\n", "\n\n"} {
		if got := Join(FromText(s)); got != s {
			t.Errorf("Join(FromText(%q)) = %q", s, got)
		}
	}
}

func TestChangedLineNumbers(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     []int
	}{
		{"same", "a\nb", "a\nb", nil},
		{"second line", "a\nb", "a\nc", []int{2}},
		{"appended", "a", "a\nb\nc", []int{2, 3}},
		{"removed tail", "a\nb\nc", "a", []int{1}},
		{"two apart", "a\nb\nc\nd\ne", "a\nB\nc\nd\nE", []int{2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChangedLineNumbers(tt.old, tt.new); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ChangedLineNumbers = %v, want %v", got, tt.want)
			}
		})
	}
}
