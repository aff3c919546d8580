package models

// QualityTier selects the bitrate table and the queue priority of a render
type QualityTier string

const (
	QualityDraft    QualityTier = "draft"
	QualityStandard QualityTier = "standard"
	QualityHigh     QualityTier = "high"
	QualityUltra    QualityTier = "ultra"
)

// Priority maps the quality tier to a fixed queue priority. Higher quality
// renders are claimed first; this is product policy, not correctness.
func (q QualityTier) Priority() int {
	switch q {
	case QualityDraft:
		return 1
	case QualityStandard:
		return 2
	case QualityHigh:
		return 3
	case QualityUltra:
		return 4
	default:
		return 2
	}
}

// VideoBitrate returns the target video bitrate for the tier
func (q QualityTier) VideoBitrate() string {
	switch q {
	case QualityDraft:
		return "1000k"
	case QualityHigh:
		return "5000k"
	case QualityUltra:
		return "8000k"
	default:
		return "2500k"
	}
}

// AudioBitrate returns the target audio bitrate for the tier
func (q QualityTier) AudioBitrate() string {
	switch q {
	case QualityDraft:
		return "96k"
	case QualityHigh:
		return "192k"
	case QualityUltra:
		return "256k"
	default:
		return "128k"
	}
}

// Valid reports whether the tier is one of the known values
func (q QualityTier) Valid() bool {
	switch q {
	case QualityDraft, QualityStandard, QualityHigh, QualityUltra:
		return true
	}
	return false
}

// OutputFormat is the container format of the final artifact
type OutputFormat string

const (
	FormatMP4  OutputFormat = "mp4"
	FormatMOV  OutputFormat = "mov"
	FormatWebM OutputFormat = "webm"
	FormatAVI  OutputFormat = "avi"
)

// VideoCodec returns the encoder used for the container
func (f OutputFormat) VideoCodec() string {
	if f == FormatWebM {
		return "libvpx-vp9"
	}
	return "libx264"
}

// AudioCodec returns the audio encoder used for the container
func (f OutputFormat) AudioCodec() string {
	switch f {
	case FormatWebM:
		return "libopus"
	case FormatAVI:
		return "libmp3lame"
	default:
		return "aac"
	}
}

// Valid reports whether the format is one of the known containers
func (f OutputFormat) Valid() bool {
	switch f {
	case FormatMP4, FormatMOV, FormatWebM, FormatAVI:
		return true
	}
	return false
}

// LayerKind tags the payload variant a layer carries
type LayerKind string

const (
	LayerVideo LayerKind = "video"
	LayerImage LayerKind = "image"
	LayerText  LayerKind = "text"
	LayerAudio LayerKind = "audio"
)

// MediaPayload is the payload for video and image layers
type MediaPayload struct {
	Source string `json:"source"` // file path or URL
}

// TextPayload is the payload for text layers
type TextPayload struct {
	Content   string `json:"content"`
	FontSize  int    `json:"fontSize,omitempty"`
	FontColor string `json:"fontColor,omitempty"`
}

// AudioPayload is the payload for audio layers
type AudioPayload struct {
	Source string  `json:"source"`
	Volume float64 `json:"volume,omitempty"` // 1.0 = unchanged
}

// Layer is one visual or audio element positioned and timed within a scene.
// Exactly one payload field matching Kind must be set; the others stay nil.
type Layer struct {
	ID        string    `json:"id"`
	Kind      LayerKind `json:"kind"`
	StartTime float64   `json:"startTime"` // seconds from scene start
	Duration  float64   `json:"duration"`  // seconds
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	ZIndex    int       `json:"zIndex,omitempty"`

	Media *MediaPayload `json:"media,omitempty"`
	Text  *TextPayload  `json:"text,omitempty"`
	Audio *AudioPayload `json:"audio,omitempty"`
}

// Visual reports whether the layer paints onto the composite
func (l *Layer) Visual() bool {
	return l.Kind == LayerVideo || l.Kind == LayerImage || l.Kind == LayerText
}

// Transition describes a scene boundary effect
type Transition struct {
	Type     string  `json:"type"`     // only "fade" is supported
	Duration float64 `json:"duration"` // seconds
}

// Scene is a time-bounded segment of the final video containing layered content
type Scene struct {
	ID            string      `json:"id"`
	Duration      float64     `json:"duration"` // seconds
	Layers        []Layer     `json:"layers"`
	TransitionIn  *Transition `json:"transitionIn,omitempty"`
	TransitionOut *Transition `json:"transitionOut,omitempty"`
}

// Project is the declarative render input: ordered scenes define the final
// concatenation order.
type Project struct {
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	FrameRate int          `json:"frameRate"`
	Scenes    []Scene      `json:"scenes"`
	Quality   QualityTier  `json:"quality,omitempty"`
	Format    OutputFormat `json:"format,omitempty"`
}

// RenderSettings control the output encoding of a render job
type RenderSettings struct {
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	FrameRate  int          `json:"frameRate"`
	Quality    QualityTier  `json:"quality"`
	SampleRate int          `json:"sampleRate,omitempty"`
	Format     OutputFormat `json:"format"`
}

// Normalize fills defaulted settings fields in place
func (s *RenderSettings) Normalize() {
	if s.SampleRate == 0 {
		s.SampleRate = 44100
	}
	if s.Quality == "" {
		s.Quality = QualityStandard
	}
	if s.Format == "" {
		s.Format = FormatMP4
	}
}

// Validate checks the settings after Normalize
func (s *RenderSettings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return NewValidationError("settings", "output dimensions must be positive, got %dx%d", s.Width, s.Height)
	}
	if s.FrameRate <= 0 {
		return NewValidationError("settings.frameRate", "frame rate must be positive, got %d", s.FrameRate)
	}
	if s.SampleRate <= 0 {
		return NewValidationError("settings.sampleRate", "sample rate must be positive, got %d", s.SampleRate)
	}
	if !s.Quality.Valid() {
		return NewValidationError("settings.quality", "unknown quality tier %q", s.Quality)
	}
	if !s.Format.Valid() {
		return NewValidationError("settings.format", "unknown output format %q", s.Format)
	}
	return nil
}

// Normalize fills layer payload defaults in place
func (l *Layer) Normalize() {
	if l.Text != nil {
		if l.Text.FontSize == 0 {
			l.Text.FontSize = 24
		}
		if l.Text.FontColor == "" {
			l.Text.FontColor = "white"
		}
	}
	if l.Audio != nil && l.Audio.Volume == 0 {
		l.Audio.Volume = 1.0
	}
}

// Validate checks the layer's timing, geometry and payload variant
func (l *Layer) Validate() error {
	if l.ID == "" {
		return NewValidationError("layer.id", "layer id is required")
	}
	if l.StartTime < 0 {
		return NewValidationError("layer.startTime", "layer %s: start time must be >= 0, got %v", l.ID, l.StartTime)
	}
	if l.Duration <= 0 {
		return NewValidationError("layer.duration", "layer %s: duration must be > 0, got %v", l.ID, l.Duration)
	}
	switch l.Kind {
	case LayerVideo, LayerImage:
		if l.Media == nil || l.Media.Source == "" {
			return NewValidationError("layer.media", "layer %s: %s layer requires a media source", l.ID, l.Kind)
		}
		if l.Text != nil || l.Audio != nil {
			return NewValidationError("layer", "layer %s: %s layer carries a foreign payload", l.ID, l.Kind)
		}
	case LayerText:
		if l.Text == nil || l.Text.Content == "" {
			return NewValidationError("layer.text", "layer %s: text layer requires content", l.ID)
		}
		if l.Media != nil || l.Audio != nil {
			return NewValidationError("layer", "layer %s: text layer carries a foreign payload", l.ID)
		}
	case LayerAudio:
		if l.Audio == nil || l.Audio.Source == "" {
			return NewValidationError("layer.audio", "layer %s: audio layer requires a source", l.ID)
		}
		if l.Media != nil || l.Text != nil {
			return NewValidationError("layer", "layer %s: audio layer carries a foreign payload", l.ID)
		}
	default:
		return NewValidationError("layer.kind", "layer %s: unknown kind %q", l.ID, l.Kind)
	}
	if l.Kind == LayerVideo || l.Kind == LayerImage {
		if l.Width <= 0 || l.Height <= 0 {
			return NewValidationError("layer", "layer %s: visual layer requires positive width and height", l.ID)
		}
	}
	return nil
}

// Validate checks the scene's duration, transitions and layers. Layers that
// overrun the scene are not an error here; the planner clips their windows.
func (s *Scene) Validate() error {
	if s.ID == "" {
		return NewValidationError("scene.id", "scene id is required")
	}
	if s.Duration <= 0 {
		return NewValidationError("scene.duration", "scene %s: duration must be > 0, got %v", s.ID, s.Duration)
	}
	for _, tr := range []*Transition{s.TransitionIn, s.TransitionOut} {
		if tr == nil {
			continue
		}
		if tr.Type != "" && tr.Type != "fade" {
			return NewValidationError("scene.transition", "scene %s: unsupported transition type %q", s.ID, tr.Type)
		}
		if tr.Duration <= 0 || tr.Duration > s.Duration {
			return NewValidationError("scene.transition", "scene %s: transition duration must be in (0, %v]", s.ID, s.Duration)
		}
	}
	for i := range s.Layers {
		if err := s.Layers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize fills defaults across the whole project in place
func (p *Project) Normalize() {
	for si := range p.Scenes {
		for li := range p.Scenes[si].Layers {
			p.Scenes[si].Layers[li].Normalize()
		}
	}
}

// Validate checks the project schema at ingestion time, before any
// execution resources are allocated.
func (p *Project) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return NewValidationError("project", "project dimensions must be positive, got %dx%d", p.Width, p.Height)
	}
	if p.FrameRate <= 0 {
		return NewValidationError("project.frameRate", "frame rate must be positive, got %d", p.FrameRate)
	}
	if len(p.Scenes) == 0 {
		return NewValidationError("project.scenes", "project has no scenes to render")
	}
	for i := range p.Scenes {
		if err := p.Scenes[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TotalDuration returns the summed duration of all scenes in seconds
func (p *Project) TotalDuration() float64 {
	var total float64
	for i := range p.Scenes {
		total += p.Scenes[i].Duration
	}
	return total
}
