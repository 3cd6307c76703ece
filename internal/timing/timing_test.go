package timing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerMark(t *testing.T) {
	timer := New()

	time.Sleep(10 * time.Millisecond)
	timer.Mark("phase1")

	time.Sleep(15 * time.Millisecond)
	timer.Mark("phase2")

	phases := timer.Phases()
	require.Len(t, phases, 2)
	assert.Equal(t, "phase1", phases[0].Name)
	assert.GreaterOrEqual(t, phases[0].Duration, 10*time.Millisecond)
	assert.Equal(t, "phase2", phases[1].Name)
	assert.GreaterOrEqual(t, phases[1].Duration, 15*time.Millisecond)
}

func TestTimerTotal(t *testing.T) {
	timer := New()
	time.Sleep(10 * time.Millisecond)
	timer.Mark("phase1")

	assert.GreaterOrEqual(t, timer.Total(), 10*time.Millisecond)
}

func TestTimerPhasesIsCopy(t *testing.T) {
	timer := New()
	timer.Mark("a")

	phases := timer.Phases()
	phases[0].Name = "changed"

	assert.Equal(t, "a", timer.Phases()[0].Name)
}

func TestTimerReport(t *testing.T) {
	timer := New()
	timer.Mark("restore image loading")
	timer.Mark("installing")

	var buf bytes.Buffer
	timer.Report(&buf, "Install Timing")

	out := buf.String()
	assert.Contains(t, out, "=== Install Timing ===")
	assert.Contains(t, out, "restore image loading:")
	assert.Contains(t, out, "installing:")
	assert.Contains(t, out, "TOTAL:")
}

func TestTimerFields(t *testing.T) {
	timer := New()
	timer.Mark("validating")

	fields := timer.Fields()
	assert.Contains(t, fields, "validating")
	assert.Contains(t, fields, "total")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Microsecond, "500µs"},
		{15 * time.Millisecond, "15ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
