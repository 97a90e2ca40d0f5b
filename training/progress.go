package training

import (
	"fmt"
	"time"
)

// IntervalMeter accumulates named losses between progress reports and
// measures the wall time per batch since the last report.
type IntervalMeter struct {
	interval  int
	startTime time.Time
	sums      map[string]float64
	count     int
	now       func() time.Time
}

// NewIntervalMeter creates a meter that reports every interval steps
func NewIntervalMeter(interval int) *IntervalMeter {
	m := &IntervalMeter{interval: interval, now: time.Now}
	m.Restart()
	return m
}

// Restart clears the accumulated values and restarts the clock
func (m *IntervalMeter) Restart() {
	m.sums = make(map[string]float64)
	m.count = 0
	m.startTime = m.now()
}

// Add records one step's values
func (m *IntervalMeter) Add(values map[string]float64) {
	for k, v := range values {
		m.sums[k] += v
	}
	m.count++
}

// Due reports whether step i (0-based) is a reporting step: a positive multiple of the interval
func (m *IntervalMeter) Due(i int) bool {
	return m.interval > 0 && i > 0 && i%m.interval == 0
}

// Average returns the mean of key over the steps added since the last restart
func (m *IntervalMeter) Average(key string) float64 {
	if m.count == 0 {
		return 0
	}
	return m.sums[key] / float64(m.count)
}

// MsPerBatch returns elapsed milliseconds since the last restart per step added
func (m *IntervalMeter) MsPerBatch() float64 {
	if m.count == 0 {
		return 0
	}
	return float64(m.Elapsed().Microseconds()) / 1000 / float64(m.count)
}

// Elapsed returns the time since the last restart
func (m *IntervalMeter) Elapsed() time.Duration {
	return m.now().Sub(m.startTime)
}

// Count returns the number of steps added since the last restart
func (m *IntervalMeter) Count() int {
	return m.count
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
