package client

import "time"

// Detector is a simple voice-activity detector over frequency-domain
// samples: the mean bin energy is compared to a fixed threshold, and a short
// hold-over window keeps the speaking state up briefly after the last loud
// sample so the indicator does not flicker between words.
type Detector struct {
	threshold float64
	hold      time.Duration
	lastLoud  time.Time
}

func NewDetector(threshold float64, hold time.Duration) *Detector {
	return &Detector{threshold: threshold, hold: hold}
}

// Sample feeds one frame of frequency bins at the given instant and reports
// whether the track counts as speaking.
func (d *Detector) Sample(bins []float64, now time.Time) bool {
	if len(bins) > 0 {
		var sum float64
		for _, v := range bins {
			sum += v
		}
		if sum/float64(len(bins)) >= d.threshold {
			d.lastLoud = now
			return true
		}
	}
	return !d.lastLoud.IsZero() && now.Sub(d.lastLoud) < d.hold
}
