package polljobs

import "strconv"

// Model is an image model the provider can run.
type Model struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	SupportsImageInput bool   `json:"supports_image_input"`
}

// Models lists the supported models. The first entry is the default.
var Models = []Model{
	{ID: "Tongyi-MAI/Z-Image-Turbo", Name: "Z-Image-Turbo", SupportsImageInput: false},
	{ID: "black-forest-labs/FLUX.2-dev", Name: "FLUX.2-dev (text to image / image edit)", SupportsImageInput: true},
}

// Resolution is an output size preset.
type Resolution struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Resolutions lists the presets an operator can enable per channel.
var Resolutions = []Resolution{
	{ID: "720x720", Name: "720x720 (square)", Width: 720, Height: 720},
	{ID: "1024x1024", Name: "1024x1024 (square)", Width: 1024, Height: 1024},
	{ID: "1280x720", Name: "1280x720 (landscape)", Width: 1280, Height: 720},
	{ID: "720x1280", Name: "720x1280 (portrait)", Width: 720, Height: 1280},
	{ID: "1920x1080", Name: "1920x1080 (full HD landscape)", Width: 1920, Height: 1080},
	{ID: "1080x1920", Name: "1080x1920 (full HD portrait)", Width: 1080, Height: 1920},
}

var fallbackResolution = Resolution{ID: "1024x1024", Name: "1024x1024", Width: 1024, Height: 1024}

// ModelByID looks a model up by id.
func ModelByID(id string) (Model, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// DefaultModelID returns the first catalog model.
func DefaultModelID() string {
	return Models[0].ID
}

// ResolutionByID looks a preset up by id.
func ResolutionByID(id string) (Resolution, bool) {
	for _, r := range Resolutions {
		if r.ID == id {
			return r, true
		}
	}
	return Resolution{}, false
}

// EnabledResolutions returns the preset ids a channel accepts. A channel
// without its own list accepts only 1024x1024.
func EnabledResolutions(ids []string) []string {
	if len(ids) == 0 {
		return []string{fallbackResolution.ID}
	}
	return ids
}

// ResolveResolution returns the preset for id when it is enabled, otherwise
// the first enabled preset, otherwise 1024x1024.
func ResolveResolution(id string, enabled []string) Resolution {
	chosen := ""
	for _, e := range enabled {
		if e == id {
			chosen = id
			break
		}
	}
	if chosen == "" && len(enabled) > 0 {
		chosen = enabled[0]
	}
	if r, ok := ResolutionByID(chosen); ok {
		return r
	}
	return fallbackResolution
}

// Size formats the preset the way the provider expects ("WxH").
func (r Resolution) Size() string {
	return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}
