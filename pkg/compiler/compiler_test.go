package compiler

import (
	"reflect"
	"strings"
	"testing"

	"github.com/renderq/renderq/pkg/models"
)

func twoSegmentPlan() *models.ExecutionPlan {
	return &models.ExecutionPlan{
		Timeline: []models.Segment{
			{Source: "https://assets.example.com/a.mp4", StartSec: 1, EndSec: 4},
			{Source: "https://assets.example.com/b.mp4", StartSec: 0, EndSec: 2.5},
		},
		AudioTracks: []models.AudioTrack{
			{Source: "https://assets.example.com/music.mp3", StartSec: 0, EndSec: 5.5, AtSec: 0, Gain: 0.4},
		},
		TextOverlays: []models.TextOverlay{
			{Text: "Chapter One", FromSec: 0, ToSec: 2},
		},
		Output: models.OutputFormat{Width: 1080, Height: 1920},
	}
}

func pathsFor(plan *models.ExecutionPlan) map[string]string {
	paths := make(map[string]string)
	for i, u := range plan.AssetURLs() {
		paths[u] = "/cache/asset-" + string(rune('a'+i)) + ".bin"
	}
	return paths
}

func findFilterGraph(t *testing.T, args []string) string {
	t.Helper()
	for i, a := range args {
		if a == "-filter_complex" && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatal("argv has no -filter_complex")
	return ""
}

func TestCompileDeterministic(t *testing.T) {
	plan := twoSegmentPlan()
	paths := pathsFor(plan)

	first, err := Compile(plan, paths, "/out/render.mp4")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	second, err := Compile(plan, paths, "/out/render.mp4")
	if err != nil {
		t.Fatalf("Second compile failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Same plan produced different argv:\n%v\n%v", first, second)
	}
}

func TestCompileStructure(t *testing.T) {
	plan := twoSegmentPlan()
	args, err := Compile(plan, pathsFor(plan), "/out/render.mp4")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if args[0] != "-y" {
		t.Errorf("Expected argv to start with -y, got %s", args[0])
	}
	if args[len(args)-1] != "/out/render.mp4" {
		t.Errorf("Expected output path last, got %s", args[len(args)-1])
	}

	inputs := 0
	for _, a := range args {
		if a == "-i" {
			inputs++
		}
	}
	if inputs != 3 {
		t.Errorf("Expected 3 inputs (2 clips + 1 audio), got %d", inputs)
	}

	graph := findFilterGraph(t, args)
	for _, want := range []string{
		"trim=start=1.000:end=4.000",
		"setpts=PTS-STARTPTS",
		"scale=1080:1920:force_original_aspect_ratio=decrease",
		"pad=1080:1920",
		"setsar=1",
		"concat=n=2:v=1:a=0[vcat]",
		"drawtext=text='Chapter One'",
		"enable='between(t,0.000,2.000)'",
		"atrim=start=0.000:end=5.500",
		"volume=0.400",
		"[mixed_a]",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("Filtergraph missing %q:\n%s", want, graph)
		}
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-map [vtxt]") {
		t.Errorf("Expected video mapped from overlay chain, argv: %s", joined)
	}
	if !strings.Contains(joined, "-map [mixed_a]") {
		t.Errorf("Expected audio mapped from mix, argv: %s", joined)
	}
}

func TestCompileInputDedupe(t *testing.T) {
	src := "https://assets.example.com/same.mp4"
	plan := &models.ExecutionPlan{
		Timeline: []models.Segment{
			{Source: src, StartSec: 0, EndSec: 2},
			{Source: src, StartSec: 5, EndSec: 8},
		},
		Output: models.OutputFormat{Width: 640, Height: 480},
	}

	args, err := Compile(plan, map[string]string{src: "/cache/same.mp4"}, "/out/render.mp4")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	inputs := 0
	for _, a := range args {
		if a == "-i" {
			inputs++
		}
	}
	if inputs != 1 {
		t.Errorf("Expected a single -i for a repeated source, got %d", inputs)
	}

	graph := findFilterGraph(t, args)
	if !strings.Contains(graph, "[0:v]trim=start=0.000") || !strings.Contains(graph, "[0:v]trim=start=5.000") {
		t.Errorf("Expected both segments to read input 0:\n%s", graph)
	}
}

func TestCompileNoAudioNoOverlay(t *testing.T) {
	plan := &models.ExecutionPlan{
		Timeline: []models.Segment{
			{Source: "https://assets.example.com/a.mp4", StartSec: 0, EndSec: 3},
		},
		Output: models.OutputFormat{Width: 1280, Height: 720},
	}

	args, err := Compile(plan, pathsFor(plan), "/out/render.mp4")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-map [vcat]") {
		t.Errorf("Expected video mapped straight from concat, argv: %s", joined)
	}
	if strings.Contains(joined, "mixed_a") || strings.Contains(joined, "-c:a") {
		t.Errorf("Expected no audio mapping for a silent plan, argv: %s", joined)
	}
}

func TestCompileMultiTrackMix(t *testing.T) {
	plan := twoSegmentPlan()
	plan.AudioTracks = append(plan.AudioTracks, models.AudioTrack{
		Source: "https://assets.example.com/voice.wav", StartSec: 0, EndSec: 3, AtSec: 1.5, Gain: 1,
	})

	args, err := Compile(plan, pathsFor(plan), "/out/render.mp4")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	graph := findFilterGraph(t, args)
	if !strings.Contains(graph, "amix=inputs=2:duration=longest") {
		t.Errorf("Expected a two-input amix:\n%s", graph)
	}
	if !strings.Contains(graph, "adelay=1500|1500") {
		t.Errorf("Expected second track delayed 1500ms:\n%s", graph)
	}
}

func TestCompileRejectsInvalidPlans(t *testing.T) {
	cases := []struct {
		name string
		plan *models.ExecutionPlan
	}{
		{"nil plan", nil},
		{"empty timeline", &models.ExecutionPlan{
			Output: models.OutputFormat{Width: 1080, Height: 1920},
		}},
		{"inverted segment window", &models.ExecutionPlan{
			Timeline: []models.Segment{{Source: "https://a.example.com/x.mp4", StartSec: 5, EndSec: 5}},
			Output:   models.OutputFormat{Width: 1080, Height: 1920},
		}},
		{"zero output size", &models.ExecutionPlan{
			Timeline: []models.Segment{{Source: "https://a.example.com/x.mp4", StartSec: 0, EndSec: 5}},
		}},
		{"inverted overlay window", &models.ExecutionPlan{
			Timeline:     []models.Segment{{Source: "https://a.example.com/x.mp4", StartSec: 0, EndSec: 5}},
			TextOverlays: []models.TextOverlay{{Text: "x", FromSec: 3, ToSec: 1}},
			Output:       models.OutputFormat{Width: 1080, Height: 1920},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			paths := map[string]string{"https://a.example.com/x.mp4": "/cache/x.mp4"}
			if _, err := Compile(tc.plan, paths, "/out/render.mp4"); err == nil {
				t.Error("Expected compile to fail")
			}
		})
	}
}

func TestCompileRejectsUnresolvedAsset(t *testing.T) {
	plan := twoSegmentPlan()
	paths := pathsFor(plan)
	delete(paths, "https://assets.example.com/music.mp3")

	if _, err := Compile(plan, paths, "/out/render.mp4"); err == nil {
		t.Error("Expected compile to fail with an unresolved asset")
	}
}

func TestCompileEscapesDrawtext(t *testing.T) {
	plan := &models.ExecutionPlan{
		Timeline: []models.Segment{
			{Source: "https://assets.example.com/a.mp4", StartSec: 0, EndSec: 3},
		},
		TextOverlays: []models.TextOverlay{
			{Text: "it's 100%: done", FromSec: 0, ToSec: 1},
		},
		Output: models.OutputFormat{Width: 1080, Height: 1920},
	}

	args, err := Compile(plan, pathsFor(plan), "/out/render.mp4")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	graph := findFilterGraph(t, args)
	if !strings.Contains(graph, `text='it\'s 100\%\: done'`) {
		t.Errorf("Expected escaped drawtext text:\n%s", graph)
	}
}
