package db

import (
	"strings"
	"testing"
)

func TestSchema_AppointmentIdentityIsStudyScoped(t *testing.T) {
	s := Schema()
	if !strings.Contains(s, "PRIMARY KEY (study_id, number)") {
		t.Error("appointments must be keyed by (study_id, number)")
	}
}

func TestSchema_Idempotent(t *testing.T) {
	for _, line := range strings.Split(Schema(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "CREATE") && !strings.Contains(line, "IF NOT EXISTS") {
			t.Errorf("statement is not idempotent: %q", line)
		}
	}
}
