package version

import (
	"runtime"
	"testing"
)

func TestCurrentTrimsPrefix(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v1.4.2"
	info := Current()
	if info.Current != "1.4.2" {
		t.Errorf("expected 1.4.2, got %s", info.Current)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected go version %s, got %s", runtime.Version(), info.GoVersion)
	}
}
