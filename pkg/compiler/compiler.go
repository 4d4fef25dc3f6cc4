// Package compiler turns a declarative execution plan into an ffmpeg
// argument vector. Compilation is pure: no filesystem access, no
// subprocess, same plan in, same argv out.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/renderq/renderq/pkg/models"
)

const (
	defaultFontSize  = 48
	defaultFontColor = "white"
	defaultTextX     = "(w-text_w)/2"
	defaultTextY     = "(h-text_h)/2"
)

// Compile produces the ffmpeg arguments for a plan. localPaths maps
// every asset reference in the plan to a fetched local file; a plan
// referencing an unresolved asset is rejected. The returned argv does
// not include the ffmpeg binary itself.
func Compile(plan *models.ExecutionPlan, localPaths map[string]string, outputPath string) ([]string, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}
	if outputPath == "" {
		return nil, fmt.Errorf("output path is empty")
	}
	for _, u := range plan.AssetURLs() {
		if localPaths[u] == "" {
			return nil, fmt.Errorf("asset %s is not resolved to a local file", u)
		}
	}

	// One -i per distinct asset, in first-seen order. Segments and
	// audio tracks address their source by input index.
	urls := plan.AssetURLs()
	inputIndex := make(map[string]int, len(urls))
	args := []string{"-y"}
	for i, u := range urls {
		inputIndex[u] = i
		args = append(args, "-i", localPaths[u])
	}

	var filters []string

	// Per-segment video chain: trim the window, reset timestamps, then
	// fit into the output frame without distortion.
	w, h := plan.Output.Width, plan.Output.Height
	for i, seg := range plan.Timeline {
		filters = append(filters, fmt.Sprintf(
			"[%d:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1[v%d]",
			inputIndex[seg.Source], sec(seg.StartSec), sec(seg.EndSec), w, h, w, h, i))
	}

	var concat strings.Builder
	for i := range plan.Timeline {
		fmt.Fprintf(&concat, "[v%d]", i)
	}
	fmt.Fprintf(&concat, "concat=n=%d:v=1:a=0[vcat]", len(plan.Timeline))
	filters = append(filters, concat.String())

	videoOut := "[vcat]"
	if len(plan.TextOverlays) > 0 {
		var chain strings.Builder
		chain.WriteString("[vcat]")
		for i, ov := range plan.TextOverlays {
			if i > 0 {
				chain.WriteString(",")
			}
			chain.WriteString(drawtext(ov))
		}
		chain.WriteString("[vtxt]")
		filters = append(filters, chain.String())
		videoOut = "[vtxt]"
	}

	audioOut := ""
	if len(plan.AudioTracks) > 0 {
		for i, tr := range plan.AudioTracks {
			delayMS := int64(tr.AtSec * 1000)
			filters = append(filters, fmt.Sprintf(
				"[%d:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS,adelay=%d|%d,volume=%s[a%d]",
				inputIndex[tr.Source], sec(tr.StartSec), sec(tr.EndSec), delayMS, delayMS, sec(tr.Gain), i))
		}
		if len(plan.AudioTracks) == 1 {
			filters = append(filters, "[a0]anull[mixed_a]")
		} else {
			var mix strings.Builder
			for i := range plan.AudioTracks {
				fmt.Fprintf(&mix, "[a%d]", i)
			}
			fmt.Fprintf(&mix, "amix=inputs=%d:duration=longest:normalize=0[mixed_a]", len(plan.AudioTracks))
			filters = append(filters, mix.String())
		}
		audioOut = "[mixed_a]"
	}

	args = append(args, "-filter_complex", strings.Join(filters, ";"))
	args = append(args, "-map", videoOut)
	if audioOut != "" {
		args = append(args, "-map", audioOut, "-c:a", "aac", "-b:a", "192k")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	)

	return args, nil
}

// Validate checks the structural invariants of a plan, independent of
// asset resolution. The API server runs it at submission time so bad
// plans are rejected before they ever queue.
func Validate(plan *models.ExecutionPlan) error {
	if plan == nil {
		return fmt.Errorf("plan is empty")
	}
	if len(plan.Timeline) == 0 {
		return fmt.Errorf("timeline has no segments")
	}
	if plan.Output.Width <= 0 || plan.Output.Height <= 0 {
		return fmt.Errorf("output dimensions %dx%d are invalid", plan.Output.Width, plan.Output.Height)
	}

	for i, seg := range plan.Timeline {
		if seg.Source == "" {
			return fmt.Errorf("segment %d has no source", i)
		}
		if seg.StartSec < 0 || seg.EndSec <= seg.StartSec {
			return fmt.Errorf("segment %d has invalid window [%s, %s)", i, sec(seg.StartSec), sec(seg.EndSec))
		}
	}
	for i, tr := range plan.AudioTracks {
		if tr.Source == "" {
			return fmt.Errorf("audio track %d has no source", i)
		}
		if tr.StartSec < 0 || tr.EndSec <= tr.StartSec {
			return fmt.Errorf("audio track %d has invalid window [%s, %s)", i, sec(tr.StartSec), sec(tr.EndSec))
		}
		if tr.AtSec < 0 {
			return fmt.Errorf("audio track %d placed before timeline start", i)
		}
		if tr.Gain < 0 {
			return fmt.Errorf("audio track %d has negative gain", i)
		}
	}
	for i, ov := range plan.TextOverlays {
		if ov.Text == "" {
			return fmt.Errorf("text overlay %d is empty", i)
		}
		if ov.FromSec < 0 || ov.ToSec <= ov.FromSec {
			return fmt.Errorf("text overlay %d has invalid window [%s, %s)", i, sec(ov.FromSec), sec(ov.ToSec))
		}
	}
	return nil
}

func drawtext(ov models.TextOverlay) string {
	x := ov.X
	if x == "" {
		x = defaultTextX
	}
	y := ov.Y
	if y == "" {
		y = defaultTextY
	}
	size := ov.FontSize
	if size <= 0 {
		size = defaultFontSize
	}
	color := ov.FontColor
	if color == "" {
		color = defaultFontColor
	}
	return fmt.Sprintf(
		"drawtext=text='%s':fontsize=%d:fontcolor=%s:x=%s:y=%s:enable='between(t,%s,%s)'",
		escapeText(ov.Text), size, color, x, y, sec(ov.FromSec), sec(ov.ToSec))
}

// escapeText escapes drawtext metacharacters in a single pass.
func escapeText(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(s)
}

// sec formats seconds with millisecond precision so identical plans
// always produce byte-identical filtergraphs.
func sec(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
