package logging

import "testing"

func TestNew(t *testing.T) {
	for _, v := range []struct {
		Mode  string
		Level string
		OK    bool
	}{
		{"dev", "", true},
		{"production", "debug", true},
		{"prod", "warn", true},
		{"dev", "loud", false},
	} {
		log, err := New(v.Mode, v.Level)
		if (err == nil) != v.OK {
			t.Errorf("%s/%s: unexpected error state %v", v.Mode, v.Level, err)
			continue
		}
		if log != nil {
			log.Sync()
		}
	}
}
