package logging

import "testing"

func TestNew_AcceptsKnownLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "DEBUG", "Info"} {
		logger, err := New(lvl)
		if err != nil {
			t.Errorf("New(%q): %v", lvl, err)
			continue
		}
		_ = logger.Sync()
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose"); err == nil {
		t.Fatal("expected error for unrecognized log level")
	}
}
