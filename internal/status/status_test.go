package status

import "testing"

func TestBuildMarkSQL(t *testing.T) {
	got := buildMarkSQL("meta", "file_status")
	want := "UPDATE meta.file_status SET status = $1, updated_at = now() WHERE filename = $2"
	if got != want {
		t.Fatalf("buildMarkSQL:\n got %q\nwant %q", got, want)
	}
}

func TestValidLabels(t *testing.T) {
	for _, st := range []Status{Pending, Transferred, Processing, Upserted, Failed} {
		if !valid[st] {
			t.Fatalf("label %q should be valid", st)
		}
	}
	if valid[Status("loaded")] {
		t.Fatalf("unknown label accepted")
	}
}
