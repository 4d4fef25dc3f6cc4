package worker

import (
	"regexp"
	"strconv"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2})\.(\d{1,2})`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})\.(\d{1,2})`)
)

// progressParser derives a completion percentage from ffmpeg's stderr
// stream: the Duration header gives the denominator, the periodic
// time= markers give the numerator. 100 is never reported; the
// pipeline decides completion, not the log.
type progressParser struct {
	totalSec float64
}

// Feed consumes one stderr line and reports a percentage when the
// line advances progress.
func (p *progressParser) Feed(line string) (int, bool) {
	if p.totalSec == 0 {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			p.totalSec = clockToSec(m)
		}
	}
	if p.totalSec <= 0 {
		return 0, false
	}

	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	pct := int(clockToSec(m) / p.totalSec * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct, true
}

// SetTotal overrides the denominator, used when the output duration
// is known from the plan rather than the input header.
func (p *progressParser) SetTotal(seconds float64) {
	if seconds > 0 {
		p.totalSec = seconds
	}
}

func clockToSec(m []string) float64 {
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	frac, _ := strconv.Atoi(m[4])
	div := 10.0
	if len(m[4]) == 2 {
		div = 100.0
	}
	return float64(h)*3600 + float64(min)*60 + float64(s) + float64(frac)/div
}
