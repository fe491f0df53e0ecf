package emergency

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestHaversineSQL_ClampsAsinArgument(t *testing.T) {
	if !strings.Contains(haversineSQL, "asin(least(1, sqrt(") {
		t.Fatalf("asin argument must be clamped to 1, got %s", haversineSQL)
	}
	if strings.Count(haversineSQL, "(") != strings.Count(haversineSQL, ")") {
		t.Fatal("unbalanced parentheses in haversineSQL")
	}
}

func TestRepoPG_Search_RejectsMalformedUUIDParams(t *testing.T) {
	repo := &emergencyRepoPG{}
	for _, key := range []string{"ambulance_id", "hospital_id"} {
		_, _, err := repo.Search(context.Background(), map[string]string{key: "not-a-uuid"}, 10, 0)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation before querying, got %v", key, err)
		}
	}
}
