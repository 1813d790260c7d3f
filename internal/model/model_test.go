package model

import (
	"errors"
	"testing"
	"time"
)

func TestNumberPool(t *testing.T) {
	t.Parallel()

	t.Run("derives width from last number", func(t *testing.T) {
		p, err := NewNumberPool(1, 10, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Width != 3 {
			t.Fatalf("expected width 3, got %d", p.Width)
		}
		nums := p.Numbers()
		if len(nums) != 10 || nums[0] != "001" || nums[9] != "010" {
			t.Fatalf("unexpected numbers %v", nums)
		}

		wide, err := NewNumberPool(0, 12345, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wide.Width != 5 || wide.Format(7) != "00007" {
			t.Fatalf("unexpected wide pool %+v", wide)
		}
	})

	t.Run("rejects bad ranges", func(t *testing.T) {
		if _, err := NewNumberPool(10, 1, 0); err == nil {
			t.Fatalf("expected error for inverted range")
		}
		if _, err := NewNumberPool(1, 1000, 3); err == nil {
			t.Fatalf("expected error for narrow width")
		}
	})

	t.Run("normalizes client numbers", func(t *testing.T) {
		p, _ := NewNumberPool(1, 100, 0)
		cases := []struct {
			in   string
			want string
			ok   bool
		}{
			{"7", "007", true},
			{"007", "007", true},
			{"100", "100", true},
			{"0", "", false},
			{"101", "", false},
			{"0007", "", false},
			{"-1", "", false},
			{"1a", "", false},
			{"", "", false},
		}
		for _, tc := range cases {
			got, ok := p.Normalize(tc.in)
			if got != tc.want || ok != tc.ok {
				t.Errorf("Normalize(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		}
	})
}

func TestHoldExpired(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := Hold{Number: "001", HolderID: "a", CreatedAt: created, ExpiresAt: created.Add(5 * time.Minute)}

	if h.Expired(created.Add(5*time.Minute - time.Nanosecond)) {
		t.Fatalf("hold should be live just before its deadline")
	}
	if !h.Expired(created.Add(5 * time.Minute)) {
		t.Fatalf("hold should expire at exactly its deadline")
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	t.Parallel()

	ref := EncodeReference("holder_1", []string{"001", "002"})
	if ref != "holder_1|001,002" {
		t.Fatalf("unexpected reference %q", ref)
	}
	holder, nums, err := DecodeReference(ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if holder != "holder_1" || len(nums) != 2 || nums[1] != "002" {
		t.Fatalf("unexpected decode %q %v", holder, nums)
	}

	for _, bad := range []string{"", "holder", "holder|", "|001", "bad holder|001", "h|001,,002"} {
		if _, _, err := DecodeReference(bad); !errors.Is(err, ErrBadReference) {
			t.Errorf("DecodeReference(%q) expected ErrBadReference, got %v", bad, err)
		}
	}
}
