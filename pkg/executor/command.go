package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/planner"
)

// BuildSceneArgs builds the complete ffmpeg argument list that renders one
// scene plan to outputPath. Input layout: 0 = canvas, 1 = silent audio base,
// then one input per overlay in plan order, then one per audio input.
func BuildSceneArgs(plan *planner.ScenePlan, settings *models.RenderSettings, outputPath string) []string {
	args := []string{
		"-hide_banner", "-nostdin",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=%dx%d:r=%d:d=%s",
			plan.Background, plan.Width, plan.Height, plan.FrameRate, seconds(plan.Duration)),
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=%d:cl=stereo", plan.SampleRate),
	}

	for _, op := range plan.Ops {
		if op.Kind != planner.OpOverlay {
			continue
		}
		if op.Loop {
			// Still image: loop the single frame for as long as it is visible
			args = append(args, "-loop", "1", "-t", seconds(op.End), "-i", op.Source)
		} else {
			args = append(args, "-i", op.Source)
		}
	}
	for _, in := range plan.AudioInputs {
		args = append(args, "-i", in.Source)
	}

	args = append(args, "-filter_complex", BuildFilterGraph(plan))

	args = append(args,
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", settings.Format.VideoCodec(),
		"-b:v", settings.Quality.VideoBitrate(),
		"-r", strconv.Itoa(settings.FrameRate),
		"-c:a", settings.Format.AudioCodec(),
		"-b:a", settings.Quality.AudioBitrate(),
		"-ar", strconv.Itoa(settings.SampleRate),
		"-t", seconds(plan.Duration),
		"-y", outputPath,
	)
	return args
}

// BuildFilterGraph assembles the -filter_complex string for a scene plan.
// Video chains run left to right in plan order so later operations paint on
// top; every window uses gte(t,start)*lt(t,end) for the half-open
// [start, end) contract.
func BuildFilterGraph(plan *planner.ScenePlan) string {
	var filters []string

	overlayInput := 2 // inputs 0 and 1 are canvas and silent base
	current := "[0:v]"
	chain := 0

	for _, op := range plan.Ops {
		switch op.Kind {
		case planner.OpOverlay:
			scaled := fmt.Sprintf("[s%d]", chain)
			if op.Loop {
				filters = append(filters, fmt.Sprintf("[%d:v]scale=%d:%d%s",
					overlayInput, op.Width, op.Height, scaled))
			} else {
				// Shift the clip's own timeline to its scene start
				filters = append(filters, fmt.Sprintf("[%d:v]scale=%d:%d,setpts=PTS-STARTPTS+%s/TB%s",
					overlayInput, op.Width, op.Height, seconds(op.Start), scaled))
			}
			out := fmt.Sprintf("[v%d]", chain)
			filters = append(filters, fmt.Sprintf("%s%soverlay=x=%d:y=%d:eof_action=pass:enable='%s'%s",
				current, scaled, op.X, op.Y, enableExpr(op.Start, op.End), out))
			current = out
			overlayInput++
			chain++
		case planner.OpDrawText:
			out := fmt.Sprintf("[v%d]", chain)
			filters = append(filters, fmt.Sprintf("%sdrawtext=text=%s:x=%d:y=%d:fontsize=%d:fontcolor=%s:enable='%s'%s",
				current, op.Text, op.X, op.Y, op.FontSize, op.FontColor, enableExpr(op.Start, op.End), out))
			current = out
			chain++
		}
	}

	for _, fade := range plan.Fades {
		out := fmt.Sprintf("[v%d]", chain)
		mode := "out"
		if fade.In {
			mode = "in"
		}
		filters = append(filters, fmt.Sprintf("%sfade=t=%s:st=%s:d=%s%s",
			current, mode, seconds(fade.Start), seconds(fade.Duration), out))
		current = out
		chain++
	}

	filters = append(filters, fmt.Sprintf("%sformat=yuv420p[vout]", current))

	if len(plan.AudioInputs) == 0 {
		filters = append(filters, fmt.Sprintf("[1:a]atrim=0:%s[aout]", seconds(plan.Duration)))
	} else {
		filters = append(filters, fmt.Sprintf("[1:a]atrim=0:%s[abase]", seconds(plan.Duration)))
		mix := "[abase]"
		audioInput := overlayInput
		for j, in := range plan.AudioInputs {
			label := fmt.Sprintf("[a%d]", j)
			delayMS := int(in.Start * 1000)
			filters = append(filters, fmt.Sprintf("[%d:a]atrim=0:%s,adelay=%d|%d,volume=%s%s",
				audioInput, seconds(in.End-in.Start), delayMS, delayMS, seconds(in.Volume), label))
			mix += label
			audioInput++
		}
		filters = append(filters, fmt.Sprintf("%samix=inputs=%d:duration=first:dropout_transition=0[aout]",
			mix, len(plan.AudioInputs)+1))
	}

	return strings.Join(filters, ";")
}

// BuildConcatArgs builds the argument list assembling scene outputs listed in
// listPath into outputPath by stream copy.
func BuildConcatArgs(listPath, outputPath string) []string {
	return []string{
		"-hide_banner", "-nostdin",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputPath,
	}
}

func enableExpr(start, end float64) string {
	return fmt.Sprintf("gte(t,%s)*lt(t,%s)", seconds(start), seconds(end))
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
