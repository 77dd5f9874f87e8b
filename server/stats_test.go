package main

import "testing"

func TestNumericVersion(t *testing.T) {
	cases := []struct {
		vers string
		want int64
	}{
		{"0.22", 2200},
		{"1.2.3", 10203},
		{"2.0", 20000},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := numericVersion(tc.vers); got != tc.want {
			t.Errorf("numericVersion(%q) = %d, want %d", tc.vers, got, tc.want)
		}
	}
}
