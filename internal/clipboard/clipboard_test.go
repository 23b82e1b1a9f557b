package clipboard

import (
	"testing"
	"time"
)

func TestApplicableFiltersByPlatform(t *testing.T) {
	cases := []struct {
		goos string
		want []string
	}{
		{"darwin", []string{"pbcopy", "clip.exe"}},
		{"linux", []string{"xclip", "wl-copy", "clip.exe"}},
		{"windows", []string{"clip.exe", "powershell"}},
	}
	for _, tc := range cases {
		got := applicable(writeTools, tc.goos)
		if len(got) != len(tc.want) {
			t.Errorf("%s: %d tools, want %d", tc.goos, len(got), len(tc.want))
			continue
		}
		for i, tool := range got {
			if tool.Name != tc.want[i] {
				t.Errorf("%s[%d] = %s, want %s", tc.goos, i, tool.Name, tc.want[i])
			}
		}
	}
}

func TestRunNonexistentToolFails(t *testing.T) {
	ok := run(Tool{Name: "definitely-not-a-clipboard-tool"}, "x", time.Second)
	if ok {
		t.Error("nonexistent tool should fail")
	}
}

func TestRunRespectsTimeout(t *testing.T) {
	start := time.Now()
	ok := run(Tool{Name: "sleep", Args: []string{"10"}}, "x", 100*time.Millisecond)
	if ok {
		t.Error("timed-out tool should fail")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not enforced: took %v", time.Since(start))
	}
}
