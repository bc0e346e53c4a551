package journal

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestJournalDedupesObjects(t *testing.T) {
	j := New()
	id := uuid.New()

	j.Log("site", id, true, nil)
	j.Log("site", id, true, nil)
	j.Log("site", uuid.New(), false, nil)

	created, updated := j.Counts()
	if created != 1 || updated != 1 {
		t.Errorf("Counts() = %d, %d; want 1, 1", created, updated)
	}
	if got := j.Created()["site"]; len(got) != 1 || got[0] != id {
		t.Errorf("Created() = %v", j.Created())
	}
}

func TestJournalSummary(t *testing.T) {
	j := New()
	if j.Summary() != "no changes" {
		t.Errorf("Summary() = %q, want \"no changes\"", j.Summary())
	}

	j.Log("site", uuid.New(), true, nil)
	j.Log("device", uuid.New(), false, nil)
	s := j.Summary()
	if !strings.Contains(s, "site: 1 created") {
		t.Errorf("Summary() = %q, missing site line", s)
	}
	if !strings.Contains(s, "device") {
		t.Errorf("Summary() = %q, missing device line", s)
	}
}
