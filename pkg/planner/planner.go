// Package planner converts a scene's layer list into an ordered plan of
// media-processing operations with explicit temporal windows and spatial
// placement. Plan building is a pure function: the same scene and settings
// always produce an identical plan.
package planner

import (
	"sort"
	"strings"

	"github.com/psantana5/renderflow/pkg/models"
)

// OpKind identifies a single processing step type
type OpKind string

const (
	OpCanvas   OpKind = "canvas"   // solid background sized to the output
	OpOverlay  OpKind = "overlay"  // scale a media input and paint it onto the composite
	OpDrawText OpKind = "drawtext" // draw text directly onto the composite
)

// Operation is one visual processing step derived from a layer. Start is
// inclusive and End exclusive; outside [Start, End) the layer beneath shows
// through unaffected.
type Operation struct {
	Kind    OpKind
	LayerID string

	// Overlay fields
	Source string
	Loop   bool // still images loop a single frame

	// Placement
	X      int
	Y      int
	Width  int
	Height int

	// Active window in seconds from scene start
	Start float64
	End   float64

	// Drawtext fields (Text is already escaped)
	Text      string
	FontSize  int
	FontColor string
}

// AudioInput is an audio layer registered for the scene's mix. Concurrent
// audio inputs are summed, never dropped.
type AudioInput struct {
	LayerID string
	Source  string
	Volume  float64
	Start   float64
	End     float64
}

// Fade is a boundary effect applied to the finished scene composite
type Fade struct {
	In       bool
	Start    float64
	Duration float64
}

// ScenePlan is the ordered operation plan for one scene. Ops[0] is always
// the base canvas; the remaining operations are in paint order.
type ScenePlan struct {
	SceneID    string
	Duration   float64
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Background string

	Ops         []Operation
	AudioInputs []AudioInput
	Fades       []Fade
}

// ValidateProject is the fail-fast ingestion check: settings first, then the
// full project schema. It never allocates execution resources.
func ValidateProject(project *models.Project, settings *models.RenderSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return project.Validate()
}

// BuildScenePlan builds the operation plan for one scene. Layers are ordered
// by start time, then z-index, then id, so later entries paint on top.
// Windows overrunning the scene are clipped; a layer starting at or after the
// scene end yields no operation.
func BuildScenePlan(scene *models.Scene, settings *models.RenderSettings) (*ScenePlan, error) {
	if err := scene.Validate(); err != nil {
		return nil, err
	}

	plan := &ScenePlan{
		SceneID:    scene.ID,
		Duration:   scene.Duration,
		Width:      settings.Width,
		Height:     settings.Height,
		FrameRate:  settings.FrameRate,
		SampleRate: settings.SampleRate,
		Background: "black",
		Ops: []Operation{{
			Kind:   OpCanvas,
			Width:  settings.Width,
			Height: settings.Height,
			Start:  0,
			End:    scene.Duration,
		}},
	}

	ordered := make([]models.Layer, len(scene.Layers))
	copy(ordered, scene.Layers)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].StartTime != ordered[j].StartTime {
			return ordered[i].StartTime < ordered[j].StartTime
		}
		if ordered[i].ZIndex != ordered[j].ZIndex {
			return ordered[i].ZIndex < ordered[j].ZIndex
		}
		return ordered[i].ID < ordered[j].ID
	})

	for i := range ordered {
		layer := &ordered[i]

		start, end, active := clipWindow(layer.StartTime, layer.Duration, scene.Duration)
		if !active {
			continue
		}

		switch layer.Kind {
		case models.LayerVideo, models.LayerImage:
			plan.Ops = append(plan.Ops, Operation{
				Kind:    OpOverlay,
				LayerID: layer.ID,
				Source:  layer.Media.Source,
				Loop:    layer.Kind == models.LayerImage,
				X:       layer.X,
				Y:       layer.Y,
				Width:   layer.Width,
				Height:  layer.Height,
				Start:   start,
				End:     end,
			})
		case models.LayerText:
			fontSize := layer.Text.FontSize
			if fontSize == 0 {
				fontSize = 24
			}
			fontColor := layer.Text.FontColor
			if fontColor == "" {
				fontColor = "white"
			}
			plan.Ops = append(plan.Ops, Operation{
				Kind:      OpDrawText,
				LayerID:   layer.ID,
				X:         layer.X,
				Y:         layer.Y,
				Start:     start,
				End:       end,
				Text:      EscapeText(layer.Text.Content),
				FontSize:  fontSize,
				FontColor: fontColor,
			})
		case models.LayerAudio:
			volume := layer.Audio.Volume
			if volume == 0 {
				volume = 1.0
			}
			plan.AudioInputs = append(plan.AudioInputs, AudioInput{
				LayerID: layer.ID,
				Source:  layer.Audio.Source,
				Volume:  volume,
				Start:   start,
				End:     end,
			})
		}
	}

	if tr := scene.TransitionIn; tr != nil {
		plan.Fades = append(plan.Fades, Fade{In: true, Start: 0, Duration: tr.Duration})
	}
	if tr := scene.TransitionOut; tr != nil {
		plan.Fades = append(plan.Fades, Fade{In: false, Start: scene.Duration - tr.Duration, Duration: tr.Duration})
	}

	return plan, nil
}

// BuildProjectPlans builds plans for every scene in concatenation order
func BuildProjectPlans(project *models.Project, settings *models.RenderSettings) ([]*ScenePlan, error) {
	plans := make([]*ScenePlan, 0, len(project.Scenes))
	for i := range project.Scenes {
		plan, err := BuildScenePlan(&project.Scenes[i], settings)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// clipWindow clips [start, start+duration) to [0, sceneDuration]. The third
// return is false when nothing of the window survives.
func clipWindow(start, duration, sceneDuration float64) (float64, float64, bool) {
	if start >= sceneDuration {
		return 0, 0, false
	}
	end := start + duration
	if end > sceneDuration {
		end = sceneDuration
	}
	if end <= start {
		return 0, 0, false
	}
	return start, end, true
}

var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	`:`, `\:`,
	`%`, `\%`,
	`,`, `\,`,
	`;`, `\;`,
	`[`, `\[`,
	`]`, `\]`,
	`=`, `\=`,
)

// EscapeText escapes text content for the drawtext filter so literal quote,
// apostrophe and separator characters cannot break the filter syntax.
func EscapeText(s string) string {
	return textEscaper.Replace(s)
}
