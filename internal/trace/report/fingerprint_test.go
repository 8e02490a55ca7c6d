package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	cases := []struct {
		name string
		argv []string
		want string
	}{
		{"bare binary", []string{"/usr/bin/gcc", "-c", "foo.c"}, "/usr/bin/gcc"},
		{"shell with command", []string{"sh", "gcc", "-c", "foo.c"}, "sh gcc"},
		{"shell with -c has no disambiguator", []string{"sh", "-c", "echo hi"}, "sh"},
		{"bash with command", []string{"/bin/bash", "make", "-j8"}, "/bin/bash make"},
		{"python with script", []string{"python3", "-u", "build.py", "--flag"}, "python3 build.py"},
		{"python dotted version", []string{"python3.11", "setup.py"}, "python3.11 setup.py"},
		{"interpreter via relative path", []string{"./python", "run.py"}, "./python run.py"},
		{"empty argv", nil, "?"},
		{"unknown program no disambig", []string{"/usr/bin/make", "-j8"}, "/usr/bin/make"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Fingerprint(tc.argv))
		})
	}
}
