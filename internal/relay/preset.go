package relay

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Preset describes reusable encoder output settings for a relay subprocess.
type Preset struct {
	Name        string
	VideoCodec  string
	PresetSpeed string // x264 preset, e.g. "ultrafast"
	Tune        string
	Profile     string
	PixelFormat string
	FrameRate   string
	Filters     []string
	ExtraArgs   []string
}

// Args returns the encoder arguments expressed by the preset.
func (p Preset) Args() []string {
	args := make([]string, 0, 12+len(p.ExtraArgs))
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.PresetSpeed != "" {
		args = append(args, "-preset", p.PresetSpeed)
	}
	if p.Tune != "" {
		args = append(args, "-tune", p.Tune)
	}
	if p.Profile != "" {
		args = append(args, "-profile:v", p.Profile)
	}
	if p.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.PixelFormat)
	}
	if p.FrameRate != "" {
		args = append(args, "-r", p.FrameRate)
	}
	if len(p.Filters) > 0 {
		filter := ""
		for i, f := range p.Filters {
			if i > 0 {
				filter += ","
			}
			filter += f
		}
		args = append(args, "-vf", filter)
	}
	args = append(args, p.ExtraArgs...)
	return args
}

// CameraPreset is the default low-latency H.264 encode for camera-frame
// relays. Keyframe cadence and repeated headers keep late stream joiners
// decodable.
func CameraPreset() Preset {
	return Preset{
		Name:        "camera",
		VideoCodec:  "libx264",
		PresetSpeed: "ultrafast",
		Tune:        "zerolatency",
		Profile:     "baseline",
		PixelFormat: "yuv420p",
		Filters: []string{
			"scale=1280:720:force_original_aspect_ratio=decrease",
			"pad=1280:720:(ow-iw)/2:(oh-ih)/2",
		},
		ExtraArgs: []string{
			"-level", "3.1",
			"-x264-params", "keyint=30:min-keyint=30:repeat-headers=1",
			"-bsf:v", "dump_extra",
		},
	}
}

// RecorderPreset is the default encode for on-disk patrol recordings.
func RecorderPreset() Preset {
	return Preset{
		Name:        "recorder",
		VideoCodec:  "libx264",
		PresetSpeed: "veryfast",
		PixelFormat: "yuv420p",
		Filters:     []string{"scale=640:480"},
	}
}

// PresetLibrary stores named presets loaded from disk.
type PresetLibrary struct {
	presets map[string]Preset
}

// NewPresetLibrary constructs a library from a map of presets.
func NewPresetLibrary(m map[string]Preset) *PresetLibrary {
	cp := make(map[string]Preset, len(m))
	for k, v := range m {
		v.Name = k
		cp[k] = v
	}
	return &PresetLibrary{presets: cp}
}

// DefaultPresetLibrary returns the built-in presets.
func DefaultPresetLibrary() *PresetLibrary {
	return NewPresetLibrary(map[string]Preset{
		"camera":   CameraPreset(),
		"recorder": RecorderPreset(),
	})
}

// Get retrieves a preset by name, falling back to the camera preset.
func (l *PresetLibrary) Get(name string) Preset {
	if l != nil {
		if preset, ok := l.presets[name]; ok {
			return preset
		}
	}
	return CameraPreset()
}

// LoadPresetFile reads presets from a YAML file, layered over the built-in
// defaults.
func LoadPresetFile(path string) (*PresetLibrary, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("load preset file: %w", err)
	}
	type rawPreset struct {
		VideoCodec  string   `yaml:"video_codec"`
		PresetSpeed string   `yaml:"preset"`
		Tune        string   `yaml:"tune"`
		Profile     string   `yaml:"profile"`
		PixelFormat string   `yaml:"pixel_format"`
		FrameRate   string   `yaml:"frame_rate"`
		Filters     []string `yaml:"filters"`
		ExtraArgs   []string `yaml:"extra_args"`
	}
	var payload struct {
		Presets map[string]rawPreset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse preset file: %w", err)
	}

	lib := DefaultPresetLibrary()
	for name, rp := range payload.Presets {
		lib.presets[name] = Preset{
			Name:        name,
			VideoCodec:  rp.VideoCodec,
			PresetSpeed: rp.PresetSpeed,
			Tune:        rp.Tune,
			Profile:     rp.Profile,
			PixelFormat: rp.PixelFormat,
			FrameRate:   rp.FrameRate,
			Filters:     append([]string(nil), rp.Filters...),
			ExtraArgs:   append([]string(nil), rp.ExtraArgs...),
		}
	}
	return lib, nil
}
