package executor

import (
	"reflect"
	"strings"
	"testing"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/planner"
)

func testSettings() *models.RenderSettings {
	return &models.RenderSettings{
		Width:      1280,
		Height:     720,
		FrameRate:  30,
		Quality:    models.QualityStandard,
		SampleRate: 44100,
		Format:     models.FormatMP4,
	}
}

// basePlan returns a 10 second scene plan with the canvas op plus the given
// layer operations.
func basePlan(ops ...planner.Operation) *planner.ScenePlan {
	return &planner.ScenePlan{
		SceneID:    "s1",
		Duration:   10,
		Width:      1280,
		Height:     720,
		FrameRate:  30,
		SampleRate: 44100,
		Background: "black",
		Ops: append([]planner.Operation{
			{Kind: planner.OpCanvas, Width: 1280, Height: 720, Start: 0, End: 10},
		}, ops...),
	}
}

// flagValue returns the argument following the first occurrence of flag
func flagValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	t.Fatalf("flag %s not found in %v", flag, args)
	return ""
}

func TestBuildSceneArgsInputHead(t *testing.T) {
	args := BuildSceneArgs(basePlan(), testSettings(), "/tmp/out.mp4")

	wantHead := []string{
		"-hide_banner", "-nostdin",
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=10",
		"-f", "lavfi",
		"-i", "anullsrc=r=44100:cl=stereo",
	}
	if len(args) < len(wantHead) || !reflect.DeepEqual(args[:len(wantHead)], wantHead) {
		t.Errorf("input head = %v, want %v", args[:len(wantHead)], wantHead)
	}
}

func TestBuildSceneArgsEncoding(t *testing.T) {
	args := BuildSceneArgs(basePlan(), testSettings(), "/tmp/out.mp4")

	pairs := map[string]string{
		"-c:v": "libx264",
		"-b:v": "2500k",
		"-r":   "30",
		"-c:a": "aac",
		"-b:a": "128k",
		"-ar":  "44100",
	}
	for flag, want := range pairs {
		if got := flagValue(t, args, flag); got != want {
			t.Errorf("%s = %s, want %s", flag, got, want)
		}
	}

	tail := args[len(args)-4:]
	wantTail := []string{"-t", "10", "-y", "/tmp/out.mp4"}
	if !reflect.DeepEqual(tail, wantTail) {
		t.Errorf("tail = %v, want %v", tail, wantTail)
	}
}

func TestBuildSceneArgsWebM(t *testing.T) {
	settings := testSettings()
	settings.Format = models.FormatWebM
	settings.Quality = models.QualityUltra

	args := BuildSceneArgs(basePlan(), settings, "/tmp/out.webm")

	if got := flagValue(t, args, "-c:v"); got != "libvpx-vp9" {
		t.Errorf("-c:v = %s, want libvpx-vp9", got)
	}
	if got := flagValue(t, args, "-c:a"); got != "libopus" {
		t.Errorf("-c:a = %s, want libopus", got)
	}
	if got := flagValue(t, args, "-b:v"); got != "8000k" {
		t.Errorf("-b:v = %s, want 8000k", got)
	}
}

func TestBuildSceneArgsInputOrder(t *testing.T) {
	plan := basePlan(
		planner.Operation{Kind: planner.OpOverlay, LayerID: "clip", Source: "https://cdn/clip.mp4",
			Width: 640, Height: 360, Start: 0, End: 6},
		planner.Operation{Kind: planner.OpOverlay, LayerID: "logo", Source: "https://cdn/logo.png",
			Loop: true, Width: 100, Height: 100, Start: 0, End: 4},
	)
	plan.AudioInputs = []planner.AudioInput{
		{LayerID: "music", Source: "https://cdn/song.mp3", Volume: 1, Start: 0, End: 10},
	}

	args := BuildSceneArgs(plan, testSettings(), "/tmp/out.mp4")
	joined := strings.Join(args, " ")

	clip := strings.Index(joined, "-i https://cdn/clip.mp4")
	logo := strings.Index(joined, "-loop 1 -t 4 -i https://cdn/logo.png")
	song := strings.Index(joined, "-i https://cdn/song.mp3")
	filter := strings.Index(joined, "-filter_complex")

	if clip == -1 || logo == -1 || song == -1 {
		t.Fatalf("missing inputs in %s", joined)
	}
	if !(clip < logo && logo < song && song < filter) {
		t.Errorf("inputs out of order: clip=%d logo=%d song=%d filter=%d", clip, logo, song, filter)
	}

	if got := flagValue(t, args, "-filter_complex"); got != BuildFilterGraph(plan) {
		t.Error("-filter_complex does not carry the plan's filter graph")
	}
}

func TestBuildFilterGraph(t *testing.T) {
	overlayPlan := basePlan(planner.Operation{
		Kind: planner.OpOverlay, LayerID: "clip", Source: "https://cdn/clip.mp4",
		X: 0, Y: 0, Width: 640, Height: 360, Start: 1, End: 4,
	})
	overlayPlan.AudioInputs = []planner.AudioInput{
		{LayerID: "music", Source: "https://cdn/song.mp3", Volume: 0.8, Start: 0.5, End: 4.5},
	}

	stillPlan := basePlan(planner.Operation{
		Kind: planner.OpOverlay, LayerID: "logo", Source: "https://cdn/logo.png",
		Loop: true, X: 20, Y: 30, Width: 100, Height: 100, Start: 0, End: 4,
	})

	textPlan := basePlan(planner.Operation{
		Kind: planner.OpDrawText, LayerID: "title",
		X: 10, Y: 20, Start: 0, End: 5, Text: "Hello", FontSize: 24, FontColor: "white",
	})

	fadePlan := basePlan()
	fadePlan.Fades = []planner.Fade{
		{In: true, Start: 0, Duration: 1},
		{In: false, Start: 9, Duration: 1},
	}

	tests := []struct {
		name string
		plan *planner.ScenePlan
		want string
	}{
		{
			name: "video overlay with audio mix",
			plan: overlayPlan,
			want: strings.Join([]string{
				"[2:v]scale=640:360,setpts=PTS-STARTPTS+1/TB[s0]",
				"[0:v][s0]overlay=x=0:y=0:eof_action=pass:enable='gte(t,1)*lt(t,4)'[v0]",
				"[v0]format=yuv420p[vout]",
				"[1:a]atrim=0:10[abase]",
				"[3:a]atrim=0:4,adelay=500|500,volume=0.8[a0]",
				"[abase][a0]amix=inputs=2:duration=first:dropout_transition=0[aout]",
			}, ";"),
		},
		{
			name: "still image loops without retiming",
			plan: stillPlan,
			want: strings.Join([]string{
				"[2:v]scale=100:100[s0]",
				"[0:v][s0]overlay=x=20:y=30:eof_action=pass:enable='gte(t,0)*lt(t,4)'[v0]",
				"[v0]format=yuv420p[vout]",
				"[1:a]atrim=0:10[aout]",
			}, ";"),
		},
		{
			name: "drawtext",
			plan: textPlan,
			want: strings.Join([]string{
				"[0:v]drawtext=text=Hello:x=10:y=20:fontsize=24:fontcolor=white:enable='gte(t,0)*lt(t,5)'[v0]",
				"[v0]format=yuv420p[vout]",
				"[1:a]atrim=0:10[aout]",
			}, ";"),
		},
		{
			name: "boundary fades",
			plan: fadePlan,
			want: strings.Join([]string{
				"[0:v]fade=t=in:st=0:d=1[v0]",
				"[v0]fade=t=out:st=9:d=1[v1]",
				"[v1]format=yuv420p[vout]",
				"[1:a]atrim=0:10[aout]",
			}, ";"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildFilterGraph(tt.plan); got != tt.want {
				t.Errorf("BuildFilterGraph() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestBuildConcatArgs(t *testing.T) {
	got := BuildConcatArgs("/work/concat.txt", "/work/final.mp4")
	want := []string{
		"-hide_banner", "-nostdin",
		"-f", "concat",
		"-safe", "0",
		"-i", "/work/concat.txt",
		"-c", "copy",
		"-y", "/work/final.mp4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildConcatArgs() = %v, want %v", got, want)
	}
}
