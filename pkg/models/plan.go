package models

// ExecutionPlan is the declarative description of a render: an ordered
// timeline, optional audio tracks and text overlays, and the output
// frame dimensions. It is opaque to the Job Store and meaningful only
// to the plan compiler. Every Source must resolve to a locally fetched
// file before compilation; the compiler never accepts remote URLs.
type ExecutionPlan struct {
	Timeline     []Segment     `json:"timeline"`
	AudioTracks  []AudioTrack  `json:"audio_tracks,omitempty"`
	TextOverlays []TextOverlay `json:"text_overlays,omitempty"`
	Output       OutputFormat  `json:"output_format"`
}

// Segment is one clip on the timeline: a source asset trimmed to
// [StartSec, EndSec). Position in the final video is determined purely
// by array order.
type Segment struct {
	Source   string  `json:"source"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// AudioTrack is a trimmed slice of a source placed at AtSec on the
// master timeline with a linear gain.
type AudioTrack struct {
	Source   string  `json:"source"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	AtSec    float64 `json:"at_sec"`
	Gain     float64 `json:"gain"`
}

// TextOverlay draws Text between FromSec and ToSec. X and Y are
// drawtext position expressions (e.g. "(w-text_w)/2").
type TextOverlay struct {
	Text      string  `json:"text"`
	FromSec   float64 `json:"from_sec"`
	ToSec     float64 `json:"to_sec"`
	X         string  `json:"x,omitempty"`
	Y         string  `json:"y,omitempty"`
	FontSize  int     `json:"font_size,omitempty"`
	FontColor string  `json:"font_color,omitempty"`
}

// OutputFormat is the target frame size.
type OutputFormat struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AssetURLs returns every distinct asset reference in the plan, in
// first-seen order (timeline first, then audio tracks).
func (p *ExecutionPlan) AssetURLs() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, seg := range p.Timeline {
		add(seg.Source)
	}
	for _, tr := range p.AudioTracks {
		add(tr.Source)
	}
	return urls
}

// DurationSec is the length of the concatenated timeline.
func (p *ExecutionPlan) DurationSec() float64 {
	if p == nil {
		return 0
	}
	var total float64
	for _, seg := range p.Timeline {
		if seg.EndSec > seg.StartSec {
			total += seg.EndSec - seg.StartSec
		}
	}
	return total
}

// NormalizedPlan returns the plan to render for this input. Legacy
// single-source submissions become a one-segment plan so the rest of
// the pipeline has exactly one input shape.
func (in JobInput) NormalizedPlan() *ExecutionPlan {
	if in.Plan != nil {
		return in.Plan
	}
	if in.Source == "" {
		return nil
	}
	return &ExecutionPlan{
		Timeline: []Segment{{
			Source:   in.Source,
			StartSec: in.TrimStartSec,
			EndSec:   in.TrimEndSec,
		}},
		Output: OutputFormat{Width: 1080, Height: 1920},
	}
}
