package scheduler

import "testing"

func TestTrimToFloat(t *testing.T) {
	cases := map[string]string{
		"0.93":                          "0.93",
		"  0.65  ":                      "0.65",
		"score: 0.42 (fairly confident)": "0.42",
		"1":                             "1",
		"-0.2 something":                "-0.2",
	}
	for input, want := range cases {
		if got := trimToFloat(input); got != want {
			t.Errorf("trimToFloat(%q) = %q, want %q", input, got, want)
		}
	}
}
