package planner

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/psantana5/renderflow/pkg/models"
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

func textLayer(id string, start, duration float64, z int) models.Layer {
	return models.Layer{
		ID: id, Kind: models.LayerText, StartTime: start, Duration: duration, ZIndex: z,
		X: 10, Y: 10,
		Text: &models.TextPayload{Content: "hello", FontSize: 24, FontColor: "white"},
	}
}

func videoLayer(id string, start, duration float64, z int) models.Layer {
	return models.Layer{
		ID: id, Kind: models.LayerVideo, StartTime: start, Duration: duration, ZIndex: z,
		X: 0, Y: 0, Width: 640, Height: 360,
		Media: &models.MediaPayload{Source: "https://cdn.example.com/" + id + ".mp4"},
	}
}

// layerOps returns the plan's operations without the leading canvas
func layerOps(plan *ScenePlan) []Operation {
	return plan.Ops[1:]
}

func TestBuildScenePlanCanvasFirst(t *testing.T) {
	scene := &models.Scene{ID: "s1", Duration: 10, Layers: []models.Layer{textLayer("t1", 0, 10, 0)}}
	plan, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}

	if plan.Ops[0].Kind != OpCanvas {
		t.Errorf("first op = %s, want canvas", plan.Ops[0].Kind)
	}
	if plan.Ops[0].Width != 1280 || plan.Ops[0].Height != 720 {
		t.Errorf("canvas size = %dx%d, want 1280x720", plan.Ops[0].Width, plan.Ops[0].Height)
	}
	if plan.Ops[0].End != 10 {
		t.Errorf("canvas end = %v, want scene duration 10", plan.Ops[0].End)
	}
}

func TestBuildScenePlanZeroLayers(t *testing.T) {
	scene := &models.Scene{ID: "empty", Duration: 5}
	plan, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}
	if len(plan.Ops) != 1 || plan.Ops[0].Kind != OpCanvas {
		t.Errorf("empty scene plan = %d ops, want canvas only", len(plan.Ops))
	}
	if len(plan.AudioInputs) != 0 {
		t.Errorf("empty scene has %d audio inputs, want 0", len(plan.AudioInputs))
	}
}

func TestBuildScenePlanOrdering(t *testing.T) {
	tests := []struct {
		name   string
		layers []models.Layer
		want   []string // expected layer id order after the canvas
	}{
		{
			"Start time ascending",
			[]models.Layer{videoLayer("late", 5, 2, 0), videoLayer("early", 0, 2, 0)},
			[]string{"early", "late"},
		},
		{
			"Equal start, z-index ascending",
			[]models.Layer{videoLayer("top", 0, 5, 1), videoLayer("bottom", 0, 5, 0)},
			[]string{"bottom", "top"},
		},
		{
			"Equal start and z, id tie-break",
			[]models.Layer{videoLayer("b", 0, 5, 0), videoLayer("a", 0, 5, 0)},
			[]string{"a", "b"},
		},
		{
			"Mixed",
			[]models.Layer{
				videoLayer("v2", 3, 2, 5),
				textLayer("t1", 0, 10, 2),
				videoLayer("v1", 0, 3, 1),
			},
			[]string{"v1", "t1", "v2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := &models.Scene{ID: "s1", Duration: 10, Layers: tt.layers}
			plan, err := BuildScenePlan(scene, testSettings())
			if err != nil {
				t.Fatalf("BuildScenePlan() error = %v", err)
			}
			got := make([]string, 0, len(plan.Ops)-1)
			for _, op := range layerOps(plan) {
				got = append(got, op.LayerID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("op order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildScenePlanZIndexPaintsOnTop(t *testing.T) {
	// Two layers, same start and duration, z-index 0 and 1: the z-0 operation
	// must come first so z-1 paints on top.
	scene := &models.Scene{ID: "s1", Duration: 5, Layers: []models.Layer{
		videoLayer("above", 0, 5, 1),
		videoLayer("below", 0, 5, 0),
	}}
	plan, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}
	ops := layerOps(plan)
	if ops[0].LayerID != "below" || ops[1].LayerID != "above" {
		t.Errorf("paint order = [%s %s], want [below above]", ops[0].LayerID, ops[1].LayerID)
	}
}

func TestBuildScenePlanWindowClipping(t *testing.T) {
	tests := []struct {
		name      string
		start     float64
		duration  float64
		wantOp    bool
		wantStart float64
		wantEnd   float64
	}{
		{"Inside scene", 2, 3, true, 2, 5},
		{"Overruns scene end", 8, 10, true, 8, 10},
		{"Exactly fills scene", 0, 10, true, 0, 10},
		{"Starts at scene end", 10, 5, false, 0, 0},
		{"Starts past scene end", 12, 5, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene := &models.Scene{ID: "s1", Duration: 10, Layers: []models.Layer{
				videoLayer("v1", tt.start, tt.duration, 0),
			}}
			plan, err := BuildScenePlan(scene, testSettings())
			if err != nil {
				t.Fatalf("BuildScenePlan() error = %v", err)
			}
			ops := layerOps(plan)
			if tt.wantOp {
				if len(ops) != 1 {
					t.Fatalf("got %d ops, want 1", len(ops))
				}
				if ops[0].Start != tt.wantStart || ops[0].End != tt.wantEnd {
					t.Errorf("window = [%v, %v), want [%v, %v)",
						ops[0].Start, ops[0].End, tt.wantStart, tt.wantEnd)
				}
			} else if len(ops) != 0 {
				t.Errorf("got %d ops, want none for out-of-range layer", len(ops))
			}
		})
	}
}

func TestBuildScenePlanIdempotent(t *testing.T) {
	scene := &models.Scene{ID: "s1", Duration: 10, Layers: []models.Layer{
		videoLayer("v1", 0, 4, 2),
		textLayer("t1", 1, 5, 0),
		{ID: "a1", Kind: models.LayerAudio, StartTime: 0, Duration: 10,
			Audio: &models.AudioPayload{Source: "music.mp3", Volume: 0.5}},
	}}

	first, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}
	second, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() second run error = %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Error("plans differ across runs for identical input")
	}
}

func TestBuildScenePlanDoesNotMutateScene(t *testing.T) {
	layers := []models.Layer{videoLayer("b", 0, 5, 1), videoLayer("a", 0, 5, 0)}
	scene := &models.Scene{ID: "s1", Duration: 10, Layers: layers}

	if _, err := BuildScenePlan(scene, testSettings()); err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}
	if scene.Layers[0].ID != "b" || scene.Layers[1].ID != "a" {
		t.Error("BuildScenePlan reordered the caller's layer slice")
	}
}

func TestBuildScenePlanAudioMix(t *testing.T) {
	scene := &models.Scene{ID: "s1", Duration: 10, Layers: []models.Layer{
		{ID: "a1", Kind: models.LayerAudio, StartTime: 0, Duration: 10,
			Audio: &models.AudioPayload{Source: "voice.mp3", Volume: 1}},
		{ID: "a2", Kind: models.LayerAudio, StartTime: 2, Duration: 20,
			Audio: &models.AudioPayload{Source: "music.mp3", Volume: 0.3}},
	}}
	plan, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}

	if len(plan.AudioInputs) != 2 {
		t.Fatalf("got %d audio inputs, want 2 (concurrent audio is mixed, not dropped)", len(plan.AudioInputs))
	}
	if len(layerOps(plan)) != 0 {
		t.Errorf("audio layers produced %d visual ops, want 0", len(layerOps(plan)))
	}
	// Second input overruns the scene and must be clipped
	if plan.AudioInputs[1].End != 10 {
		t.Errorf("audio window end = %v, want clipped to 10", plan.AudioInputs[1].End)
	}
	if plan.AudioInputs[1].Volume != 0.3 {
		t.Errorf("audio volume = %v, want 0.3", plan.AudioInputs[1].Volume)
	}
}

func TestBuildScenePlanRejectsMissingPayload(t *testing.T) {
	scene := &models.Scene{ID: "s1", Duration: 10, Layers: []models.Layer{
		{ID: "v1", Kind: models.LayerVideo, StartTime: 0, Duration: 5,
			Width: 640, Height: 360, Media: &models.MediaPayload{}},
	}}

	plan, err := BuildScenePlan(scene, testSettings())
	if err == nil {
		t.Fatal("BuildScenePlan() accepted a video layer without source")
	}
	if plan != nil {
		t.Error("BuildScenePlan() returned a plan alongside the error")
	}
	var valErr *models.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("error type = %T, want *models.ValidationError", err)
	}
}

func TestBuildScenePlanFades(t *testing.T) {
	scene := &models.Scene{
		ID: "s1", Duration: 10,
		TransitionIn:  &models.Transition{Type: "fade", Duration: 1},
		TransitionOut: &models.Transition{Type: "fade", Duration: 2},
	}
	plan, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}
	if len(plan.Fades) != 2 {
		t.Fatalf("got %d fades, want 2", len(plan.Fades))
	}
	if !plan.Fades[0].In || plan.Fades[0].Start != 0 {
		t.Errorf("fade in = %+v, want In at 0", plan.Fades[0])
	}
	if plan.Fades[1].In || plan.Fades[1].Start != 8 {
		t.Errorf("fade out = %+v, want Out at 8", plan.Fades[1])
	}
}

func TestBuildProjectPlansOrder(t *testing.T) {
	project := &models.Project{
		Width: 1280, Height: 720, FrameRate: 30,
		Scenes: []models.Scene{
			{ID: "first", Duration: 5},
			{ID: "second", Duration: 3},
		},
	}
	plans, err := BuildProjectPlans(project, testSettings())
	if err != nil {
		t.Fatalf("BuildProjectPlans() error = %v", err)
	}
	if len(plans) != 2 || plans[0].SceneID != "first" || plans[1].SceneID != "second" {
		t.Errorf("plan order does not follow scene order: %v", []string{plans[0].SceneID, plans[1].SceneID})
	}
}

func TestEscapeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"Apostrophe", "It's fine", `It\'s fine`},
		{"Double quote", `say "hi"`, `say \"hi\"`},
		{"Colon", "10:30", `10\:30`},
		{"Percent", "100%", `100\%`},
		{"Backslash", `a\b`, `a\\b`},
		{"Filter separators", "a,b;c[d]=e", `a\,b\;c\[d\]\=e`},
		{"Plain text untouched", "Hello World", "Hello World"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeText(tt.input); got != tt.want {
				t.Errorf("EscapeText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEscapeTextFlowsIntoPlan(t *testing.T) {
	scene := &models.Scene{ID: "s1", Duration: 10, Layers: []models.Layer{
		{ID: "t1", Kind: models.LayerText, StartTime: 0, Duration: 10, X: 0, Y: 0,
			Text: &models.TextPayload{Content: "It's 100% 'quoted'", FontSize: 24, FontColor: "white"}},
	}}
	plan, err := BuildScenePlan(scene, testSettings())
	if err != nil {
		t.Fatalf("BuildScenePlan() error = %v", err)
	}
	op := layerOps(plan)[0]
	if strings.Contains(op.Text, "'") && !strings.Contains(op.Text, `\'`) {
		t.Errorf("plan text %q contains unescaped apostrophe", op.Text)
	}
	if op.Text != `It\'s 100\% \'quoted\'` {
		t.Errorf("plan text = %q, want escaped form", op.Text)
	}
}
